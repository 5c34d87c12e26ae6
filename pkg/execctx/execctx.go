// Package execctx implements the execution context (spec.md §4.4): a
// single task owning run/container/platform bookkeeping, driven entirely
// by messages with per-message one-shot reply channels so callers see a
// strict happens-before on their own operations. No other component
// reaches into its state directly.
package execctx

import (
	"context"
	"net/http"
	"time"

	"github.com/bld-run/bld/internal/store"
	"github.com/bld-run/bld/pkg/platform"
)

// PipelineState mirrors store.RunState for the subset the context tracks.
type PipelineState = store.RunState

// ContainerRecord is the reply payload for AddContainer.
type ContainerRecord struct {
	ID          string
	ContainerID string
	State       store.ContainerState
}

type msgKind int

const (
	msgAddRemoteRun msgKind = iota
	msgRemoveRemoteRun
	msgAddPlatform
	msgRemovePlatform
	msgSetPipelineState
	msgAddContainer
	msgSetContainerState
	msgKeepAliveContainer
	msgDoCleanup
)

// mKindPayload carries every message variant's fields; only the fields
// relevant to kind are populated (spec.md §4.4's variant list, collapsed
// into one struct since Go has no sum types).
type mKindPayload struct {
	kind msgKind

	server   string
	auth     string
	runID    string
	platform platform.Platform
	platformID string
	state    PipelineState
	containerID string
	recordID string
	containerState store.ContainerState

	reply chan any
}

// RemoteRun tracks a run dispatched to a remote worker/server, so
// DoCleanup can POST /stop to it.
type RemoteRun struct {
	Server string
	Auth   string
	RunID  string
}

// Context is the single-owner execution context actor. Build with
// NewLocal or NewServer; both share the same message surface.
type Context struct {
	msgs    chan mKindPayload
	done    chan struct{}
	httpCli *http.Client

	// backing, when non-nil, persists run state transitions and
	// container records (the "Server variant"); nil means Local
	// (in-memory only).
	backing store.Store
	runID   string // the run this context is scoped to, for backing calls
}

// NewLocal returns a Context that keeps all state in memory.
func NewLocal() *Context {
	c := &Context{
		msgs:    make(chan mKindPayload),
		done:    make(chan struct{}),
		httpCli: &http.Client{Timeout: 10 * time.Second},
	}
	go c.loop()
	return c
}

// NewServer returns a Context that additionally persists pipeline state
// transitions and container records to backing, scoped to runID.
func NewServer(backing store.Store, runID string) *Context {
	c := &Context{
		msgs:    make(chan mKindPayload),
		done:    make(chan struct{}),
		httpCli: &http.Client{Timeout: 10 * time.Second},
		backing: backing,
		runID:   runID,
	}
	go c.loop()
	return c
}

func (c *Context) loop() {
	defer close(c.done)

	remoteRuns := make(map[string]RemoteRun)
	platforms := make(map[string]platform.Platform)
	containers := make(map[string]*ContainerRecord)

	for p := range c.msgs {
		switch p.kind {
		case msgAddRemoteRun:
			remoteRuns[p.runID] = RemoteRun{Server: p.server, Auth: p.auth, RunID: p.runID}
			p.reply <- struct{}{}

		case msgRemoveRemoteRun:
			delete(remoteRuns, p.runID)
			p.reply <- struct{}{}

		case msgAddPlatform:
			platforms[p.platform.ID()] = p.platform
			p.reply <- struct{}{}

		case msgRemovePlatform:
			delete(platforms, p.platformID)
			p.reply <- struct{}{}

		case msgSetPipelineState:
			if c.backing != nil {
				_ = c.backing.UpdateRunState(context.Background(), c.runID, p.state, time.Now())
			}
			p.reply <- struct{}{}

		case msgAddContainer:
			rec := &ContainerRecord{ID: newRecordID(), ContainerID: p.containerID, State: store.ContainerActive}
			containers[rec.ID] = rec
			if c.backing != nil {
				_ = c.backing.CreateRunContainer(context.Background(), &store.RunContainer{
					ID: rec.ID, RunID: c.runID, ContainerID: rec.ContainerID,
					State: store.ContainerActive, DateCreated: time.Now(), DateUpdated: time.Now(),
				})
			}
			p.reply <- rec

		case msgSetContainerState:
			if rec, ok := containers[p.recordID]; ok {
				rec.State = p.containerState
			}
			if c.backing != nil {
				_ = c.backing.UpdateRunContainerState(context.Background(), p.recordID, p.containerState, time.Now())
			}
			p.reply <- struct{}{}

		case msgKeepAliveContainer:
			if rec, ok := containers[p.recordID]; ok {
				rec.State = store.ContainerKeepAlive
			}
			if c.backing != nil {
				_ = c.backing.UpdateRunContainerState(context.Background(), p.recordID, store.ContainerKeepAlive, time.Now())
			}
			p.reply <- struct{}{}

		case msgDoCleanup:
			ctx := context.Background()
			for _, plat := range platforms {
				_ = plat.Dispose(ctx, false)
			}
			for _, rr := range remoteRuns {
				c.stopRemote(ctx, rr)
			}
			p.reply <- struct{}{}
			return
		}
	}
}

func (c *Context) stopRemote(ctx context.Context, rr RemoteRun) {
	if c.httpCli == nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rr.Server+"/stop", nil)
	if err != nil {
		return
	}
	if rr.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+rr.Auth)
	}
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func (c *Context) send(p mKindPayload) any {
	p.reply = make(chan any, 1)
	c.msgs <- p
	return <-p.reply
}

func (c *Context) AddRemoteRun(server, auth, runID string) {
	c.send(mKindPayload{kind: msgAddRemoteRun, server: server, auth: auth, runID: runID})
}

func (c *Context) RemoveRemoteRun(runID string) {
	c.send(mKindPayload{kind: msgRemoveRemoteRun, runID: runID})
}

func (c *Context) AddPlatform(p platform.Platform) {
	c.send(mKindPayload{kind: msgAddPlatform, platform: p})
}

func (c *Context) RemovePlatform(platformID string) {
	c.send(mKindPayload{kind: msgRemovePlatform, platformID: platformID})
}

func (c *Context) SetPipelineState(state PipelineState) {
	c.send(mKindPayload{kind: msgSetPipelineState, state: state})
}

func (c *Context) AddContainer(containerID string) *ContainerRecord {
	return c.send(mKindPayload{kind: msgAddContainer, containerID: containerID}).(*ContainerRecord)
}

func (c *Context) SetContainerState(recordID string, state store.ContainerState) {
	c.send(mKindPayload{kind: msgSetContainerState, recordID: recordID, containerState: state})
}

func (c *Context) KeepAliveContainer(recordID string) {
	c.send(mKindPayload{kind: msgKeepAliveContainer, recordID: recordID})
}

// DoCleanup disposes every platform with in_child_runner=false and posts
// /stop to every remote run, ignoring individual failures; used on fatal
// signal only (spec.md §4.4). It terminates the context's loop.
func (c *Context) DoCleanup() {
	c.send(mKindPayload{kind: msgDoCleanup})
	close(c.msgs)
	<-c.done
}

var recordSeq uint64

func newRecordID() string {
	recordSeq++
	return "cr-" + itoa(recordSeq)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
