package execctx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bld-run/bld/internal/store"
	"github.com/bld-run/bld/pkg/execctx"
	"github.com/bld-run/bld/pkg/platform"
)

func TestLocal_AddAndRemovePlatform(t *testing.T) {
	c := execctx.NewLocal()
	m := platform.NewMock()

	c.AddPlatform(m)
	c.RemovePlatform(m.ID())
	c.DoCleanup()

	assert.False(t, m.Disposed, "platform removed before cleanup must not be disposed by it")
}

func TestLocal_DoCleanupDisposesRemainingPlatforms(t *testing.T) {
	c := execctx.NewLocal()
	m := platform.NewMock()

	c.AddPlatform(m)
	c.DoCleanup()

	assert.True(t, m.Disposed)
	assert.False(t, m.DisposedAs, "DoCleanup always disposes with in_child_runner=false")
}

func TestServer_PersistsStateAndContainers(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.CreateRun(context.Background(), &store.Run{ID: "r1", Name: "ci", State: store.RunQueued}))

	c := execctx.NewServer(mem, "r1")
	c.SetPipelineState(store.RunRunning)

	rec := c.AddContainer("docker-abc")
	require.NotEmpty(t, rec.ID)

	c.KeepAliveContainer(rec.ID)
	c.DoCleanup()

	run, err := mem.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.State)

	containers, err := mem.ListRunContainers(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, store.ContainerKeepAlive, containers[0].State)
}
