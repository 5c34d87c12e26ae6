package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bld-run/bld/internal/store"
)

func newTestRun(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateRun(context.Background(), &store.Run{
		ID: id, Name: "test", State: store.RunInitial, DateCreated: time.Now(),
	}))
}

func sleepSpec(runID, logDir string) WorkerSpec {
	return WorkerSpec{
		RunID:   runID,
		Binary:  "/bin/sh",
		Args:    []string{"-c", "sleep 0.2"},
		LogPath: filepath.Join(logDir, runID+".log"),
	}
}

func TestSupervisor_AdmitsUnderCapacity(t *testing.T) {
	st := store.NewMemory()
	newTestRun(t, st, "r1")
	sup := New(1, st, nil, nil)
	defer sup.Shutdown()

	res, err := sup.Enqueue(sleepSpec("r1", t.TempDir()))
	require.NoError(t, err)
	require.False(t, res.Queued)
	require.True(t, sup.Contains(res.PID))
}

func TestSupervisor_BacklogsOverCapacity(t *testing.T) {
	st := store.NewMemory()
	newTestRun(t, st, "r1")
	newTestRun(t, st, "r2")
	sup := New(1, st, nil, nil)
	defer sup.Shutdown()

	dir := t.TempDir()
	res1, err := sup.Enqueue(sleepSpec("r1", dir))
	require.NoError(t, err)
	require.False(t, res1.Queued)

	res2, err := sup.Enqueue(sleepSpec("r2", dir))
	require.NoError(t, err)
	require.True(t, res2.Queued)

	run2, err := st.GetRun(context.Background(), "r2")
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, run2.State)
}

func TestSupervisor_PromotesBacklogOnDequeue(t *testing.T) {
	st := store.NewMemory()
	newTestRun(t, st, "r1")
	newTestRun(t, st, "r2")
	sup := New(1, st, nil, nil)
	defer sup.Shutdown()

	dir := t.TempDir()
	res1, err := sup.Enqueue(sleepSpec("r1", dir))
	require.NoError(t, err)

	res2, err := sup.Enqueue(sleepSpec("r2", dir))
	require.NoError(t, err)
	require.True(t, res2.Queued)

	sup.Dequeue(res1.PID)

	require.Eventually(t, func() bool {
		run1, _ := st.GetRun(context.Background(), "r1")
		return run1.State == store.RunFaulted
	}, time.Second, 10*time.Millisecond)

	require.False(t, sup.Contains(res1.PID))
}

func TestSupervisor_StopBacklogOnlyNeverSpawns(t *testing.T) {
	st := store.NewMemory()
	newTestRun(t, st, "r1")
	newTestRun(t, st, "r2")
	sup := New(1, st, nil, nil)
	defer sup.Shutdown()

	dir := t.TempDir()
	_, err := sup.Enqueue(sleepSpec("r1", dir))
	require.NoError(t, err)

	res2, err := sup.Enqueue(sleepSpec("r2", dir))
	require.NoError(t, err)
	require.True(t, res2.Queued)

	sup.Stop("r2")

	run2, err := st.GetRun(context.Background(), "r2")
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, run2.State, "a backlog-only stop must not spawn or change state beyond removal from the queue")
}

func TestSupervisor_ZeroCapacityBacklogsEverything(t *testing.T) {
	st := store.NewMemory()
	newTestRun(t, st, "r1")
	sup := New(0, st, nil, nil)
	defer sup.Shutdown()

	res, err := sup.Enqueue(sleepSpec("r1", t.TempDir()))
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.Equal(t, 0, res.PID)
}

type fakeGC struct {
	removed []string
}

func (f *fakeGC) StopAndRemove(ctx context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func TestSupervisor_GCRemovesFaultedContainers(t *testing.T) {
	st := store.NewMemory()
	newTestRun(t, st, "r1")
	require.NoError(t, st.CreateRunContainer(context.Background(), &store.RunContainer{
		ID: "c1", RunID: "r1", ContainerID: "docker-c1",
		State: store.ContainerFaulted, DateCreated: time.Now(), DateUpdated: time.Now(),
	}))

	gc := &fakeGC{}
	sup := New(1, st, gc, nil)
	defer sup.Shutdown()

	sup.GC()

	require.Equal(t, []string{"docker-c1"}, gc.removed)
	rcs, err := st.ListRunContainers(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.ContainerRemoved, rcs[0].State)
}
