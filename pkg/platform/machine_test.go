package platform_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blderrors "github.com/bld-run/bld/pkg/errors"
	"github.com/bld-run/bld/pkg/platform"
)

func TestMachine_ShellRunsCommand(t *testing.T) {
	m, err := platform.NewMachine(t.TempDir())
	require.NoError(t, err)
	defer m.Dispose(context.Background(), false)

	err = m.Shell(context.Background(), nil, "", "exit 0")
	assert.NoError(t, err)
}

func TestMachine_ShellReturnsExitNonZero(t *testing.T) {
	m, err := platform.NewMachine(t.TempDir())
	require.NoError(t, err)
	defer m.Dispose(context.Background(), false)

	err = m.Shell(context.Background(), nil, "", "exit 3")
	require.Error(t, err)
	var exitErr *blderrors.ExitNonZero
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
}

func TestMachine_PushAndGet(t *testing.T) {
	m, err := platform.NewMachine(t.TempDir())
	require.NoError(t, err)
	defer m.Dispose(context.Background(), false)

	src := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	dst := filepath.Join(m.ScratchDir(), "dst.txt")
	require.NoError(t, m.Push(context.Background(), src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	back := filepath.Join(t.TempDir(), "back.txt")
	require.NoError(t, m.Get(context.Background(), dst, back))
	data, err = os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestMachine_DisposeSkipsCleanupInChildRunner(t *testing.T) {
	m, err := platform.NewMachine(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, m.Dispose(context.Background(), true))
	_, statErr := os.Stat(m.ScratchDir())
	assert.NoError(t, statErr, "scratch dir must survive dispose when called from a child runner")

	require.NoError(t, m.Dispose(context.Background(), false))
	_, statErr = os.Stat(m.ScratchDir())
	assert.True(t, os.IsNotExist(statErr))
}
