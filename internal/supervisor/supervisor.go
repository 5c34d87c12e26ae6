// Package supervisor implements the admission-controlled worker queue
// (spec.md §4.6): a fixed active-slot capacity, an unbounded FIFO backlog,
// worker process spawn/reap lifecycle, and the container GC sweep that
// reconciles orphaned containers after a worker exits.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bld-run/bld/internal/lifecycle"
	"github.com/bld-run/bld/internal/store"
)

var (
	activeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bld_supervisor_active_workers",
		Help: "Number of worker processes currently occupying an active slot.",
	})
	backlogGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bld_supervisor_backlog_length",
		Help: "Number of runs waiting in the FIFO backlog.",
	})
	admittedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bld_supervisor_admitted_total",
		Help: "Total worker processes spawned into the active set.",
	})
	gcRemovedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bld_supervisor_gc_removed_total",
		Help: "Total container records transitioned to removed by GC.",
	})
)

// WorkerSpec describes a worker process to spawn: the `bld worker`
// command-line re-invocation plus where its output is logged
// (spec.md §4.6, §6).
type WorkerSpec struct {
	RunID   string
	Binary  string
	Args    []string
	LogPath string
}

// activeWorker is a spawned, not-yet-finalised worker (Data model "Worker",
// PID populated once spawned).
type activeWorker struct {
	spec WorkerSpec
	pid  int
	done <-chan error
}

type msgKind int

const (
	msgEnqueue msgKind = iota
	msgDequeue
	msgStop
	msgContains
	msgExited
	msgGC
)

type message struct {
	kind    msgKind
	spec    WorkerSpec
	pid     int
	runID   string
	exitErr error
	reply   chan any
}

// Supervisor is the single-owner worker-queue actor. Capacity bounds the
// active set; everything past it queues in FIFO order in the backlog
// (spec.md §4.6).
type Supervisor struct {
	capacity int
	store    store.Store
	logger   *slog.Logger
	gc       ContainerGC
	spawner  *lifecycle.Spawner

	msgs chan message
	done chan struct{}
}

// ContainerGC is the capability the supervisor's sweep uses to reconcile
// engine-level containers after a worker exits; DockerGC (gc.go)
// satisfies it in production, tests supply a fake.
type ContainerGC interface {
	// StopAndRemove stops then force-removes the engine container,
	// tolerating an already-gone (404) container.
	StopAndRemove(ctx context.Context, containerID string) error
}

// New returns a running Supervisor with the given active-slot capacity.
// gc may be nil, in which case GC sweeps are skipped (e.g. a server with
// no Docker-backed pipelines configured).
func New(capacity int, st store.Store, gc ContainerGC, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		capacity: capacity,
		store:    st,
		logger:   logger,
		gc:       gc,
		spawner:  lifecycle.NewSpawner(),
		msgs:     make(chan message),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Supervisor) send(m message) any {
	m.reply = make(chan any, 1)
	s.msgs <- m
	return <-m.reply
}

// EnqueueResult reports whether a run was admitted immediately or
// backlogged, and its PID if spawned.
type EnqueueResult struct {
	Queued bool
	PID    int
}

// Enqueue admits spec's worker into the active set if capacity allows,
// otherwise marks the run queued and appends it to the backlog
// (spec.md §4.6 "Admission").
func (s *Supervisor) Enqueue(spec WorkerSpec) (EnqueueResult, error) {
	res := s.send(message{kind: msgEnqueue, spec: spec})
	er := res.(enqueueReply)
	return er.result, er.err
}

type enqueueReply struct {
	result EnqueueResult
	err    error
}

// Dequeue removes the worker with the given PID from the active set (if
// present), finalises it, and promotes backlog entries to fill freed
// capacity (spec.md §4.6 "Dequeue").
func (s *Supervisor) Dequeue(pid int) {
	s.send(message{kind: msgDequeue, pid: pid})
}

// Stop kills runID's worker if active (SIGTERM then SIGKILL after a grace
// period), or removes it from the backlog without ever spawning it
// (spec.md §4.6 "Stop", §5).
func (s *Supervisor) Stop(runID string) {
	s.send(message{kind: msgStop, runID: runID})
}

// Contains reports whether pid is a tracked active worker.
func (s *Supervisor) Contains(pid int) bool {
	return s.send(message{kind: msgContains, pid: pid}).(bool)
}

// GC triggers an out-of-band container GC sweep; the supervisor also runs
// one automatically on startup and after every Dequeue (spec.md §4.6).
func (s *Supervisor) GC() {
	s.send(message{kind: msgGC})
}

// Shutdown stops the supervisor's loop. Already-spawned workers are left
// running; callers that want a clean shutdown should Stop each active run
// first.
func (s *Supervisor) Shutdown() {
	close(s.msgs)
	<-s.done
}

const stopGrace = 10 * time.Second

func (s *Supervisor) loop() {
	defer close(s.done)

	active := make(map[int]*activeWorker)
	runToPID := make(map[string]int)
	var backlog []WorkerSpec

	s.runGC(active)

	for m := range s.msgs {
		switch m.kind {
		case msgEnqueue:
			if len(active) < s.capacity {
				w, err := s.spawn(m.spec)
				if err != nil {
					m.reply <- enqueueReply{err: err}
					continue
				}
				active[w.pid] = w
				runToPID[m.spec.RunID] = w.pid
				admittedCounter.Inc()
				m.reply <- enqueueReply{result: EnqueueResult{PID: w.pid}}
			} else {
				if s.store != nil {
					_ = s.store.UpdateRunState(context.Background(), m.spec.RunID, store.RunQueued, time.Now())
				}
				backlog = append(backlog, m.spec)
				m.reply <- enqueueReply{result: EnqueueResult{Queued: true}}
			}
			s.updateGauges(active, backlog)

		case msgExited:
			w, ok := active[m.pid]
			if ok {
				s.finalize(w, m.exitErr)
				delete(active, m.pid)
				delete(runToPID, w.spec.RunID)
				backlog = s.promote(active, runToPID, backlog)
			}
			s.runGC(active)
			s.updateGauges(active, backlog)

		case msgDequeue:
			if w, ok := active[m.pid]; ok {
				s.finalize(w, nil)
				delete(active, m.pid)
				delete(runToPID, w.spec.RunID)
			}
			backlog = s.promote(active, runToPID, backlog)
			s.runGC(active)
			s.updateGauges(active, backlog)
			m.reply <- struct{}{}

		case msgStop:
			if pid, ok := runToPID[m.runID]; ok {
				_ = lifecycle.GracefulShutdown(pid, stopGrace, true)
				if w, ok := active[pid]; ok {
					s.finalize(w, nil)
					delete(active, pid)
				}
				delete(runToPID, m.runID)
				backlog = s.promote(active, runToPID, backlog)
			} else {
				out := backlog[:0]
				for _, spec := range backlog {
					if spec.RunID != m.runID {
						out = append(out, spec)
					}
				}
				backlog = out
			}
			s.runGC(active)
			s.updateGauges(active, backlog)
			m.reply <- struct{}{}

		case msgContains:
			_, ok := active[m.pid]
			m.reply <- ok

		case msgGC:
			s.runGC(active)
			m.reply <- struct{}{}
		}
	}
}

// promote fills free active slots from the backlog's front, spawning each
// promoted worker in FIFO order (spec.md §4.6, §8 "order of PID exits
// respects FIFO admission").
func (s *Supervisor) promote(active map[int]*activeWorker, runToPID map[string]int, backlog []WorkerSpec) []WorkerSpec {
	for len(active) < s.capacity && len(backlog) > 0 {
		spec := backlog[0]
		backlog = backlog[1:]
		w, err := s.spawn(spec)
		if err != nil {
			s.logger.Error("failed to promote backlog worker", "run_id", spec.RunID, "error", err)
			if s.store != nil {
				_ = s.store.UpdateRunState(context.Background(), spec.RunID, store.RunFaulted, time.Now())
			}
			continue
		}
		active[w.pid] = w
		runToPID[spec.RunID] = w.pid
		admittedCounter.Inc()
	}
	return backlog
}

func (s *Supervisor) spawn(spec WorkerSpec) (*activeWorker, error) {
	cmd, done, err := s.spawner.SpawnSupervised(spec.Binary, spec.Args, spec.LogPath)
	if err != nil {
		return nil, err
	}
	w := &activeWorker{spec: spec, pid: cmd.Process.Pid, done: done}
	go func() {
		exitErr := <-done
		s.notifyExit(w.pid, exitErr)
	}()
	return w, nil
}

// notifyExit feeds a worker's real process exit back into the loop. It
// bypasses send/reply (msgExited has no reply) and tolerates the
// supervisor having already shut down.
func (s *Supervisor) notifyExit(pid int, exitErr error) {
	// Shutdown closes msgs, and a send on a closed channel panics; that
	// panic means the supervisor is gone, so it is dropped here.
	defer func() { _ = recover() }()
	select {
	case s.msgs <- message{kind: msgExited, pid: pid, exitErr: exitErr}:
	case <-s.done:
	}
}

// finalize implements spec.md §4.6 "Finalisation of a worker": the
// child-process exit has already happened (or been forced) by the time
// this runs; read the run's persisted state and fault it if it never
// reached a terminal state, then fault every active container record
// owned by the run so GC can clean it up.
func (s *Supervisor) finalize(w *activeWorker, _ error) {
	if s.store == nil {
		return
	}
	ctx := context.Background()
	run, err := s.store.GetRun(ctx, w.spec.RunID)
	if err != nil {
		s.logger.Warn("finalize: run not found", "run_id", w.spec.RunID, "error", err)
		return
	}
	if run.State != store.RunFinished && run.State != store.RunFaulted {
		_ = s.store.UpdateRunState(ctx, w.spec.RunID, store.RunFaulted, time.Now())
	}

	containers, err := s.store.ListRunContainers(ctx, w.spec.RunID)
	if err != nil {
		return
	}
	for _, rc := range containers {
		if rc.State == store.ContainerActive {
			_ = s.store.UpdateRunContainerState(ctx, rc.ID, store.ContainerFaulted, time.Now())
		}
	}
}

// runGC sweeps every container record in an invalid state (spec.md §4.6
// "Container GC"): selects `active` records whose run is terminal, plus
// anything already `faulted`, stops+removes each at the engine, tolerating
// 404, and transitions the record to `removed`.
func (s *Supervisor) runGC(active map[int]*activeWorker) {
	if s.store == nil || s.gc == nil {
		return
	}
	ctx := context.Background()
	candidates, err := s.store.ListContainersForGC(ctx)
	if err != nil {
		s.logger.Warn("container GC: list failed", "error", err)
		return
	}
	for _, rc := range candidates {
		if err := s.gc.StopAndRemove(ctx, rc.ContainerID); err != nil {
			s.logger.Warn("container GC: stop/remove failed", "container_id", rc.ContainerID, "error", err)
			continue
		}
		if err := s.store.UpdateRunContainerState(ctx, rc.ID, store.ContainerRemoved, time.Now()); err != nil {
			s.logger.Warn("container GC: state update failed", "record_id", rc.ID, "error", err)
			continue
		}
		gcRemovedCounter.Inc()
	}
}

func (s *Supervisor) updateGauges(active map[int]*activeWorker, backlog []WorkerSpec) {
	activeGauge.Set(float64(len(active)))
	backlogGauge.Set(float64(len(backlog)))
}
