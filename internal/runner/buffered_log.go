package runner

import (
	"bytes"
	"log/slog"
)

// bufferedLogger gives a concurrently-running job its own in-memory log
// sink (spec.md §4.5, "each job runs on a separate task with its own
// in-memory logger buffer"); the parent flushes every job's buffer into the
// run log, in job order, once all concurrent jobs have completed, keeping
// interleaved job output readable.
type bufferedLogger struct {
	jobName string
	buf     *bytes.Buffer
	l       *slog.Logger
}

func newBufferedLogger(jobName string) *bufferedLogger {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &bufferedLogger{
		jobName: jobName,
		buf:     buf,
		l:       slog.New(handler).With("job", jobName),
	}
}

func (b *bufferedLogger) logger() *slog.Logger {
	return b.l
}
