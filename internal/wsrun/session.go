package wsrun

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bld-run/bld/internal/store"
	"github.com/bld-run/bld/internal/supervisor"
	"github.com/bld-run/bld/pkg/pipeline"
)

const (
	logTailInterval  = 500 * time.Millisecond
	statePollInterval = 1 * time.Second
	pingInterval     = 10 * time.Second
	pongWait         = 30 * time.Second

	// logLineRate/logLineBurst cap how fast a single session forwards log
	// lines to its client, so a pipeline step that floods stdout cannot
	// starve the connection's ping/state ticks of write-mutex time.
	logLineRate  = 200
	logLineBurst = 400
)

// Supervisor is the subset of *internal/supervisor.Supervisor a session
// needs: admit the worker it builds, and relay an external /stop request.
type Supervisor interface {
	Enqueue(spec supervisor.WorkerSpec) (supervisor.EnqueueResult, error)
	Stop(runID string)
}

// Handler upgrades `/v1/ws-exec/` connections into Sessions (spec.md §4.7).
type Handler struct {
	store        store.Store
	supervisor   Supervisor
	auth         *Authenticator
	cache        *pipeline.Cache
	pipelinesDir string
	logsDir      string
	workerBinary string
	configPath   string
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

// NewHandler builds a Handler. workerBinary is the path re-invoked as
// `<workerBinary> worker --pipeline ... --run-id ...` for each admitted run;
// configPath and pipelinesDir are passed through explicitly on that
// command line so the worker resolves the same config/pipeline set as this
// server regardless of the process's inherited working directory. cache
// resolves pipeline names into parsed documents for the existence check at
// enqueue time, invalidating entries as files change under pipelinesDir
// (spec.md §9, "Pipeline directory watching").
func NewHandler(st store.Store, sup Supervisor, auth *Authenticator, cache *pipeline.Cache, pipelinesDir, logsDir, workerBinary, configPath string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:        st,
		supervisor:   sup,
		auth:         auth,
		cache:        cache,
		pipelinesDir: pipelinesDir,
		logsDir:      logsDir,
		workerBinary: workerBinary,
		configPath:   configPath,
		logger:       logger,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Warn("ws-exec: authentication failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws-exec: upgrade failed", "error", err)
		return
	}

	s := &session{
		conn:         conn,
		store:        h.store,
		supervisor:   h.supervisor,
		cache:        h.cache,
		pipelinesDir: h.pipelinesDir,
		logsDir:      h.logsDir,
		workerBinary: h.workerBinary,
		configPath:   h.configPath,
		appUser:      userID,
		logger:       h.logger,
		logRate:      rate.NewLimiter(logLineRate, logLineBurst),
	}
	go s.run()
}

// session is the per-connection actor (spec.md §4.7).
type session struct {
	conn         *websocket.Conn
	store        store.Store
	supervisor   Supervisor
	cache        *pipeline.Cache
	pipelinesDir string
	logsDir      string
	workerBinary string
	configPath   string
	appUser      string
	logger       *slog.Logger

	writeMu sync.Mutex
	logRate *rate.Limiter
}

func (s *session) run() {
	defer s.conn.Close()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var msg ClientMessage
	if err := s.conn.ReadJSON(&msg); err != nil || msg.Type != ClientEnqueueRun {
		s.sendError("expected a single EnqueueRun message")
		return
	}

	runID, queued, err := s.enqueue(msg)
	if err != nil {
		s.sendError(err.Error())
		return
	}

	s.send(ServerMessage{Type: ServerQueuedRun, RunID: runID})

	if queued {
		s.send(ServerMessage{Type: ServerInfo, Content: "run admitted to the backlog; reconnect once it starts to stream logs"})
		return
	}

	s.stream(runID)
}

// enqueue validates the pipeline exists, persists a fresh run row, builds
// the worker command-line, and admits it through the supervisor
// (spec.md §4.7 step 3).
func (s *session) enqueue(msg ClientMessage) (runID string, queued bool, err error) {
	path := filepath.Join(s.pipelinesDir, msg.Name+".yaml")
	if _, cacheErr := s.cache.Get(path); cacheErr != nil {
		return "", false, cacheErr
	}

	runID = uuid.NewString()
	now := time.Now()
	if err := s.store.CreateRun(context.Background(), &store.Run{
		ID: runID, Name: msg.Name, State: store.RunInitial, AppUser: s.appUser, DateCreated: now,
	}); err != nil {
		return "", false, err
	}

	args := []string{
		"worker",
		"--pipeline", msg.Name,
		"--run-id", runID,
		"--pipelines-dir", s.pipelinesDir,
	}
	if s.configPath != "" {
		args = append(args, "--config", s.configPath)
	}
	for k, v := range msg.Inputs {
		args = append(args, "--input", k+"="+v)
	}
	for k, v := range msg.Environment {
		args = append(args, "--environment", k+"="+v)
	}

	res, err := s.supervisor.Enqueue(supervisor.WorkerSpec{
		RunID:   runID,
		Binary:  s.workerBinary,
		Args:    args,
		LogPath: filepath.Join(s.logsDir, runID),
	})
	if err != nil {
		return "", false, err
	}
	return runID, res.Queued, nil
}

// stream runs the two background loops: a 500ms log-file tail and a 1s
// run-state poll, closing on terminal state or client disconnect
// (spec.md §4.7 step 4).
func (s *session) stream(runID string) {
	closed := make(chan struct{})
	go s.readLoop(closed)

	logTicker := time.NewTicker(logTailInterval)
	stateTicker := time.NewTicker(statePollInterval)
	pingTicker := time.NewTicker(pingInterval)
	defer logTicker.Stop()
	defer stateTicker.Stop()
	defer pingTicker.Stop()

	logPath := filepath.Join(s.logsDir, runID)
	var offset int64

	for {
		select {
		case <-closed:
			return
		case <-pingTicker.C:
			if err := s.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-logTicker.C:
			offset = s.tailLog(logPath, offset)
		case <-stateTicker.C:
			run, err := s.store.GetRun(context.Background(), runID)
			if err != nil {
				continue
			}
			if run.State == store.RunFinished || run.State == store.RunFaulted {
				s.tailLog(logPath, offset)
				return
			}
		}
	}
}

// readLoop does nothing but drain client frames (mostly Pong control
// frames, handled by the registered handler) until the connection closes,
// signalling the stream loop via closed.
func (s *session) readLoop(closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// tailLog emits every complete line appended to path since offset, and
// returns the new offset. A trailing partial line (no final newline yet)
// is left for the next call (spec.md §5, "reader tolerates partial
// last-lines").
func (s *session) tailLog(path string, offset int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return offset
	}

	lastNL := bytes.LastIndexByte(data, '\n')
	if lastNL < 0 {
		return offset
	}
	complete := data[:lastNL+1]
	for _, line := range bytes.Split(bytes.TrimRight(complete, "\n"), []byte("\n")) {
		_ = s.logRate.Wait(context.Background())
		s.send(ServerMessage{Type: ServerLog, Content: string(line)})
	}
	return offset + int64(len(complete))
}

func (s *session) sendError(content string) {
	s.send(ServerMessage{Type: ServerError, Content: content})
}

func (s *session) send(msg ServerMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteJSON(msg)
}

func (s *session) writeControl(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(messageType, data, time.Now().Add(5*time.Second))
}
