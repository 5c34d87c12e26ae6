package wsrun

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bld-run/bld/internal/store"
	"github.com/bld-run/bld/internal/supervisor"
	"github.com/bld-run/bld/pkg/pipeline"
)

type fakeSupervisor struct {
	lastSpec supervisor.WorkerSpec
	result   supervisor.EnqueueResult
	err      error
}

func (f *fakeSupervisor) Enqueue(spec supervisor.WorkerSpec) (supervisor.EnqueueResult, error) {
	f.lastSpec = spec
	return f.result, f.err
}

func (f *fakeSupervisor) Stop(runID string) {}

func writePipeline(t *testing.T, dir, name string) {
	t.Helper()
	content := "version: \"3\"\nruns_on: machine\njobs:\n  build:\n    - run: echo hi\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o600))
}

func newTestHandler(t *testing.T, sup Supervisor) (*Handler, string, string) {
	t.Helper()
	pipelinesDir := t.TempDir()
	logsDir := t.TempDir()
	st := store.NewMemory()
	auth := NewAuthenticator([]byte("test-secret"))
	cache, err := pipeline.NewCache(pipelinesDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	h := NewHandler(st, sup, auth, cache, pipelinesDir, logsDir, "/usr/bin/bld", "/etc/bld/config.yaml", nil)
	return h, pipelinesDir, logsDir
}

func dialWithToken(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	token, err := GenerateToken([]byte("test-secret"), "alice")
	require.NoError(t, err)

	header := map[string][]string{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	return conn
}

func TestSession_EnqueueAndQueuedRun(t *testing.T) {
	sup := &fakeSupervisor{result: supervisor.EnqueueResult{PID: 1234}}
	h, pipelinesDir, _ := newTestHandler(t, sup)
	writePipeline(t, pipelinesDir, "build")

	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dialWithToken(t, wsURL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientEnqueueRun, Name: "build"}))

	var resp ServerMessage
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, ServerQueuedRun, resp.Type)
	require.NotEmpty(t, resp.RunID)

	require.NotEmpty(t, sup.lastSpec.RunID)
	require.Contains(t, sup.lastSpec.Args, "--pipeline")
	require.Contains(t, sup.lastSpec.Args, "build")
	require.Contains(t, sup.lastSpec.Args, "--run-id")
}

func TestSession_BacklogSendsInfoAndCloses(t *testing.T) {
	sup := &fakeSupervisor{result: supervisor.EnqueueResult{Queued: true}}
	h, pipelinesDir, _ := newTestHandler(t, sup)
	writePipeline(t, pipelinesDir, "build")

	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dialWithToken(t, wsURL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientEnqueueRun, Name: "build"}))

	var queued ServerMessage
	require.NoError(t, conn.ReadJSON(&queued))
	require.Equal(t, ServerQueuedRun, queued.Type)

	var info ServerMessage
	require.NoError(t, conn.ReadJSON(&info))
	require.Equal(t, ServerInfo, info.Type)
}

func TestSession_RejectsUnauthenticated(t *testing.T) {
	sup := &fakeSupervisor{}
	h, _, _ := newTestHandler(t, sup)

	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}

func TestSession_UnknownPipelineSendsError(t *testing.T) {
	sup := &fakeSupervisor{result: supervisor.EnqueueResult{PID: 1}}
	h, _, _ := newTestHandler(t, sup)

	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dialWithToken(t, wsURL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientEnqueueRun, Name: "does-not-exist"}))

	var resp ServerMessage
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, ServerError, resp.Type)
}

func TestSession_StreamsLogTailAndClosesOnTerminalState(t *testing.T) {
	sup := &fakeSupervisor{result: supervisor.EnqueueResult{PID: 99}}
	h, pipelinesDir, logsDir := newTestHandler(t, sup)
	writePipeline(t, pipelinesDir, "build")

	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dialWithToken(t, wsURL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientEnqueueRun, Name: "build"}))

	var queued ServerMessage
	require.NoError(t, conn.ReadJSON(&queued))
	require.Equal(t, ServerQueuedRun, queued.Type)
	runID := queued.RunID

	logPath := filepath.Join(logsDir, runID)
	require.NoError(t, os.WriteFile(logPath, []byte("hello world\n"), 0o600))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var logMsg ServerMessage
	require.NoError(t, conn.ReadJSON(&logMsg))
	require.Equal(t, ServerLog, logMsg.Type)
	require.Equal(t, "hello world", logMsg.Content)

	require.NoError(t, h.store.UpdateRunState(context.Background(), runID, store.RunFinished, time.Now()))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}
