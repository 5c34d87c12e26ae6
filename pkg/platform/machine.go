package platform

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// Machine runs shell commands in a subprocess on the local host. Push/Get
// are plain file copies; a per-run scratch directory is created at build
// time and removed on Dispose, unless the dispose call comes from a child
// runner sharing the parent's scratch space (spec.md §4.3).
type Machine struct {
	id        string
	scratch   string
	mu        sync.Mutex
	disposed  bool
}

// NewMachine creates a Machine with a fresh scratch directory under base.
func NewMachine(base string) (*Machine, error) {
	scratch, err := os.MkdirTemp(base, "bld-run-*")
	if err != nil {
		return nil, &blderrors.IOError{Op: "create scratch dir", Path: base, Cause: err}
	}
	return &Machine{id: newID(), scratch: scratch}, nil
}

func (m *Machine) ID() string { return m.id }

// ScratchDir is the per-run working directory steps execute relative to.
func (m *Machine) ScratchDir() string { return m.scratch }

func (m *Machine) Push(ctx context.Context, fromHostPath, toTargetPath string) error {
	return copyFile(fromHostPath, toTargetPath)
}

func (m *Machine) Get(ctx context.Context, fromTargetPath, toHostPath string) error {
	return copyFile(fromTargetPath, toHostPath)
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return &blderrors.IOError{Op: "open source file", Path: from, Cause: err}
	}
	defer src.Close()

	if err := os.MkdirAll(parentDir(to), 0o755); err != nil {
		return &blderrors.IOError{Op: "create destination directory", Path: to, Cause: err}
	}
	dst, err := os.Create(to)
	if err != nil {
		return &blderrors.IOError{Op: "create destination file", Path: to, Cause: err}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return &blderrors.IOError{Op: "copy file", Path: to, Cause: err}
	}
	return nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Shell runs command via "sh -c" in workingDir (falling back to the
// scratch directory), streaming combined stdout/stderr line-by-line to
// logger (spec.md §4.3, grounded on internal/action/shell's sh -c
// dispatch pattern, adapted from buffered to streamed output).
func (m *Machine) Shell(ctx context.Context, logger *slog.Logger, workingDir, command string) error {
	dir := workingDir
	if dir == "" {
		dir = m.scratch
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &blderrors.IOError{Op: "attach stdout", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &blderrors.IOError{Op: "attach stderr", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return &blderrors.IOError{Op: "start command", Cause: err}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdout, logger, "stdout")
	go streamLines(&wg, stderr, logger, "stderr")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &blderrors.ExitNonZero{Code: exitErr.ExitCode()}
		}
		return &blderrors.IOError{Op: "wait for command", Cause: err}
	}
	return nil
}

func streamLines(wg *sync.WaitGroup, r io.Reader, logger *slog.Logger, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if logger != nil {
			logger.Info(scanner.Text(), "stream", stream)
		}
	}
}

func (m *Machine) KeepAlive() {}

// Dispose removes the scratch directory, unless inChildRunner is true —
// a child runner shares its parent's scratch and must not delete it out
// from under a still-running parent (spec.md §4.3, §9).
func (m *Machine) Dispose(ctx context.Context, inChildRunner bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || inChildRunner {
		return nil
	}
	m.disposed = true
	if err := os.RemoveAll(m.scratch); err != nil {
		return &blderrors.IOError{Op: "remove scratch dir", Path: m.scratch, Cause: err}
	}
	return nil
}
