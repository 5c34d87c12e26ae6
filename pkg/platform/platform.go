// Package platform implements the execution targets a pipeline runs
// against: the local machine, a Docker container, or a remote host over
// SSH (spec.md §4.3). Every variant satisfies the same capability set so
// the runner never special-cases its target.
package platform

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Platform is the capability set the runner drives a pipeline through,
// regardless of where its steps actually execute.
type Platform interface {
	// ID is a stable identity assigned at build time, used by the
	// execution context to track and dispose platforms uniformly.
	ID() string

	// Push copies a file from the host into the target.
	Push(ctx context.Context, fromHostPath, toTargetPath string) error

	// Get copies a file out of the target onto the host.
	Get(ctx context.Context, fromTargetPath, toHostPath string) error

	// Shell runs a command line, streaming combined stdout/stderr to
	// logger, and returns a non-nil error carrying the exit code on a
	// non-zero exit (*blderrors.ExitNonZero).
	Shell(ctx context.Context, logger *slog.Logger, workingDir, command string) error

	// KeepAlive is a no-op for Machine/SSH; for Container it sets the flag
	// that IsKeepAlive reports. No container record in the store is updated.
	KeepAlive()

	// Dispose releases the platform's resources. inChildRunner controls
	// the Machine scratch-directory exception (spec.md §4.3).
	Dispose(ctx context.Context, inChildRunner bool) error
}

func newID() string {
	return uuid.NewString()
}
