package workerwire

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Dequeuer is the subset of *internal/supervisor.Supervisor the handler
// needs: reaping a worker by PID as soon as it announces completion,
// rather than waiting on process-exit polling (spec.md §4.8).
type Dequeuer interface {
	Dequeue(pid int)
}

// Handler upgrades `/v1/ws-worker/` connections and correlates each one's
// announced PID to the spawned worker row (spec.md §4.8, §6).
type Handler struct {
	dequeuer Dequeuer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler that reaps workers through dequeuer.
func NewHandler(dequeuer Dequeuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dequeuer: dequeuer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Workers dial this socket from localhost only; no browser
			// origin is ever involved.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("worker socket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	var ack Frame
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != FrameAck {
		h.logger.Warn("worker socket: expected Ack first", "error", err)
		return
	}

	var whoami Frame
	if err := conn.ReadJSON(&whoami); err != nil || whoami.Type != FrameWhoAmI {
		h.logger.Warn("worker socket: expected WhoAmI second", "error", err)
		return
	}
	pid := whoami.PID
	h.logger.Info("worker announced", "pid", pid)

	conn.SetReadDeadline(time.Time{})
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			h.logger.Debug("worker socket closed", "pid", pid, "error", err)
			return
		}
		switch frame.Type {
		case FrameCompleted:
			h.dequeuer.Dequeue(pid)
		case FrameProgress:
			h.logger.Debug("worker progress", "pid", pid, "payload", string(frame.Payload))
		}
	}
}
