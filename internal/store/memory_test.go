package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blderrors "github.com/bld-run/bld/pkg/errors"
	"github.com/bld-run/bld/internal/store"
)

func TestMemory_CreateAndUpdateRun(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.CreateRun(ctx, &store.Run{ID: "r1", Name: "ci", State: store.RunInitial, DateCreated: now}))

	require.NoError(t, m.UpdateRunState(ctx, "r1", store.RunRunning, now))
	run, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.State)
	require.NotNil(t, run.StartDate)

	require.NoError(t, m.UpdateRunState(ctx, "r1", store.RunFinished, now))
	run, err = m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RunFinished, run.State)
	require.NotNil(t, run.EndDate)
}

func TestMemory_GetRunNotFound(t *testing.T) {
	m := store.NewMemory()
	_, err := m.GetRun(context.Background(), "missing")
	require.Error(t, err)
	var notFound *blderrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestMemory_RunContainers(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.CreateRun(ctx, &store.Run{ID: "r1", Name: "ci", State: store.RunRunning, DateCreated: now}))
	require.NoError(t, m.CreateRunContainer(ctx, &store.RunContainer{
		ID: "c1", RunID: "r1", ContainerID: "docker-abc", State: store.ContainerActive,
		DateCreated: now, DateUpdated: now,
	}))

	require.NoError(t, m.UpdateRunContainerState(ctx, "c1", store.ContainerKeepAlive, now))

	containers, err := m.ListRunContainers(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, store.ContainerKeepAlive, containers[0].State)
}
