package workerwire

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDequeuer struct {
	ch chan int
}

func (f *fakeDequeuer) Dequeue(pid int) { f.ch <- pid }

func TestClientServer_AnnounceAndComplete(t *testing.T) {
	dq := &fakeDequeuer{ch: make(chan int, 1)}
	h := NewHandler(dq, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendCompleted())

	select {
	case pid := <-dq.ch:
		require.Greater(t, pid, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Dequeue")
	}
}

func TestClientServer_ProgressDoesNotDequeue(t *testing.T) {
	dq := &fakeDequeuer{ch: make(chan int, 1)}
	h := NewHandler(dq, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendProgress(map[string]string{"step": "build"}))

	select {
	case <-dq.ch:
		t.Fatal("progress frame must not trigger Dequeue")
	case <-time.After(200 * time.Millisecond):
	}
}
