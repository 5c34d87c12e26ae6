// Package store implements persistence for pipeline_runs and
// pipeline_run_containers (spec.md §6), backed by SQLite for the
// daemon and an in-memory variant for the Local execution-context mode.
package store

import (
	"context"
	"time"
)

// RunState is a pipeline_runs.state value.
type RunState string

const (
	RunInitial RunState = "initial"
	RunQueued  RunState = "queued"
	RunRunning RunState = "running"
	RunFinished RunState = "finished"
	RunFaulted RunState = "faulted"
)

// ContainerState is a pipeline_run_containers.state value.
type ContainerState string

const (
	ContainerActive    ContainerState = "active"
	ContainerRemoved   ContainerState = "removed"
	ContainerFaulted   ContainerState = "faulted"
	ContainerKeepAlive ContainerState = "keep-alive"
)

// Run is a pipeline_runs row.
type Run struct {
	ID          string
	Name        string
	State       RunState
	AppUser     string
	DateCreated time.Time
	DateUpdated *time.Time
	StartDate   *time.Time
	EndDate     *time.Time
}

// RunContainer is a pipeline_run_containers row.
type RunContainer struct {
	ID          string
	RunID       string
	ContainerID string
	State       ContainerState
	DateCreated time.Time
	DateUpdated time.Time
}

// Store is the persistence surface the execution context depends on.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRunState(ctx context.Context, runID string, state RunState, at time.Time) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]*Run, error)

	CreateRunContainer(ctx context.Context, rc *RunContainer) error
	UpdateRunContainerState(ctx context.Context, id string, state ContainerState, at time.Time) error
	ListRunContainers(ctx context.Context, runID string) ([]*RunContainer, error)

	// ListContainersForGC returns every run container in an invalid state:
	// Active with an owning run already in {finished, faulted}, plus
	// anything already Faulted (spec.md §4.6, "Container GC").
	ListContainersForGC(ctx context.Context) ([]*RunContainer, error)
}
