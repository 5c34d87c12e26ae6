package wsrun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bld-run/bld/internal/config"
	blderrors "github.com/bld-run/bld/pkg/errors"
	"github.com/bld-run/bld/pkg/secrets"
)

// Dialer implements internal/runner.Dialer: proxying an `external` step
// with `server` set to a remote bld server's own Run WebSocket, streaming
// its logs into the local logger until the remote closes (spec.md §4.5,
// "dial the remote server's run WebSocket and proxy the run").
type Dialer struct {
	Servers map[string]config.ServerEntry
}

// ProxyRun connects to the named server, enqueues name with inputs/env,
// and forwards every Log frame to logger until the remote session closes.
func (d *Dialer) ProxyRun(ctx context.Context, server, name string, inputs, env map[string]string, logger *slog.Logger) error {
	entry, ok := d.Servers[server]
	if !ok {
		return &blderrors.NotFoundError{Resource: "server", ID: server}
	}

	secret, err := secrets.Resolve(entry.SecretRef)
	if err != nil {
		return &blderrors.AuthError{Target: server, Reason: err.Error()}
	}
	token, err := GenerateToken([]byte(secret), "external-step")
	if err != nil {
		return &blderrors.AuthError{Target: server, Reason: err.Error()}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	url := strings.TrimSuffix(entry.URL, "/") + "/v1/ws-exec/"
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return &blderrors.IOError{Op: "dial remote run", Path: url, Cause: err}
	}
	defer conn.Close()

	if err := conn.WriteJSON(ClientMessage{Type: ClientEnqueueRun, Name: name, Inputs: inputs, Environment: env}); err != nil {
		return &blderrors.IOError{Op: "enqueue remote run", Path: url, Cause: err}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return &blderrors.IOError{Op: "read remote run frame", Path: url, Cause: err}
		}

		switch msg.Type {
		case ServerQueuedRun:
			logger.Info(fmt.Sprintf("remote run %s queued on %s", msg.RunID, server))
		case ServerLog:
			logger.Info(msg.Content)
		case ServerInfo:
			logger.Info(msg.Content)
			return nil
		case ServerError:
			return &blderrors.IOError{Op: "remote run", Path: url, Cause: fmt.Errorf("%s", msg.Content)}
		}
	}
}
