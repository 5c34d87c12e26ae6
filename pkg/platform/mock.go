package platform

import (
	"context"
	"log/slog"
	"sync"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// Mock is an in-memory Platform used by runner/supervisor tests: it
// records every call instead of touching a subprocess, Docker, or SSH.
type Mock struct {
	id string

	mu          sync.Mutex
	Pushed      []struct{ From, To string }
	Got         []struct{ From, To string }
	Commands    []string
	KeepAlives  int
	Disposed    bool
	DisposedAs  bool // inChildRunner value of the last Dispose call

	// ExitCode, when non-zero, makes Shell return *blderrors.ExitNonZero.
	ExitCode int
	// FailWith, when set, makes Shell return this error instead.
	FailWith error
}

// NewMock returns a ready-to-use Mock platform.
func NewMock() *Mock {
	return &Mock{id: newID()}
}

func (m *Mock) ID() string { return m.id }

func (m *Mock) Push(ctx context.Context, fromHostPath, toTargetPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pushed = append(m.Pushed, struct{ From, To string }{fromHostPath, toTargetPath})
	return nil
}

func (m *Mock) Get(ctx context.Context, fromTargetPath, toHostPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Got = append(m.Got, struct{ From, To string }{fromTargetPath, toHostPath})
	return nil
}

func (m *Mock) Shell(ctx context.Context, logger *slog.Logger, workingDir, command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands = append(m.Commands, command)
	if m.FailWith != nil {
		return m.FailWith
	}
	if m.ExitCode != 0 {
		return &blderrors.ExitNonZero{Code: m.ExitCode}
	}
	return nil
}

func (m *Mock) KeepAlive() {
	m.mu.Lock()
	m.KeepAlives++
	m.mu.Unlock()
}

func (m *Mock) Dispose(ctx context.Context, inChildRunner bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Disposed = true
	m.DisposedAs = inChildRunner
	return nil
}
