package store

import (
	"context"
	"sync"
	"time"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// Memory is an in-process Store for the Local execution-context mode
// (spec.md §4.4: "Local variant keeps them in memory").
type Memory struct {
	mu         sync.RWMutex
	runs       map[string]*Run
	containers map[string]*RunContainer
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		runs:       make(map[string]*Run),
		containers: make(map[string]*RunContainer),
	}
}

func (m *Memory) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) UpdateRunState(ctx context.Context, runID string, state RunState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return &blderrors.NotFoundError{Resource: "pipeline_run", ID: runID}
	}
	run.State = state
	run.DateUpdated = &at
	switch state {
	case RunRunning:
		if run.StartDate == nil {
			run.StartDate = &at
		}
	case RunFinished, RunFaulted:
		run.EndDate = &at
	}
	return nil
}

func (m *Memory) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, &blderrors.NotFoundError{Resource: "pipeline_run", ID: runID}
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) ListRuns(ctx context.Context) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CreateRunContainer(ctx context.Context, rc *RunContainer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rc
	m.containers[rc.ID] = &cp
	return nil
}

func (m *Memory) UpdateRunContainerState(ctx context.Context, id string, state ContainerState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.containers[id]
	if !ok {
		return &blderrors.NotFoundError{Resource: "pipeline_run_container", ID: id}
	}
	rc.State = state
	rc.DateUpdated = at
	return nil
}

func (m *Memory) ListContainersForGC(ctx context.Context) ([]*RunContainer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunContainer
	for _, rc := range m.containers {
		if rc.State == ContainerFaulted {
			cp := *rc
			out = append(out, &cp)
			continue
		}
		if rc.State != ContainerActive {
			continue
		}
		run, ok := m.runs[rc.RunID]
		if !ok {
			continue
		}
		if run.State == RunFinished || run.State == RunFaulted {
			cp := *rc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListRunContainers(ctx context.Context, runID string) ([]*RunContainer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunContainer
	for _, rc := range m.containers {
		if rc.RunID == runID {
			cp := *rc
			out = append(out, &cp)
		}
	}
	return out, nil
}
