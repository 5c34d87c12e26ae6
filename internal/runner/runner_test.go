package runner_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bld-run/bld/internal/runner"
	"github.com/bld-run/bld/pkg/execctx"
	"github.com/bld-run/bld/pkg/platform"
)

func writePipeline(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
}

func TestRunner_SingleJobRunsSteps(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "ci", `
version: "3"
name: ci
runs_on: machine
dispose: false
inputs:
  greeting:
    required: true
jobs:
  default:
    - run: echo hello
    - name: second
      run: echo ${{ inputs.greeting }}
`)

	mock := platform.NewMock()
	ctx := execctx.NewLocal()
	defer ctx.DoCleanup()

	b := &runner.RunnerBuilder{
		PipelinesDir: dir,
		Name:         "ci",
		Inputs:       map[string]string{"greeting": "hi"},
		Ctx:          ctx,
		Platform:     mock,
		RunID:        "run-1",
	}
	r, err := b.Build(context.Background())
	require.NoError(t, err)

	err = r.Execute(context.Background())
	require.NoError(t, err)

	require.Len(t, mock.Commands, 2)
	assert.Equal(t, "echo hello", mock.Commands[0])
	assert.Equal(t, "echo hi", mock.Commands[1])
	assert.True(t, mock.KeepAlives >= 1, "document sets dispose: false, platform should be kept alive")
}

func TestRunner_ShellFailureFaultsRun(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "ci", `
version: "3"
name: ci
runs_on: machine
dispose: true
jobs:
  default:
    - run: exit 1
`)

	mock := platform.NewMock()
	mock.ExitCode = 1

	b := &runner.RunnerBuilder{
		PipelinesDir: dir,
		Name:         "ci",
		Platform:     mock,
		RunID:        "run-2",
	}
	r, err := b.Build(context.Background())
	require.NoError(t, err)

	err = r.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, mock.Disposed, "dispose: true must dispose the platform even on failure")
}

func TestRunner_ActionFileRefusesRootRun(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "deploy-step", `
version: "3"
name: deploy-step
action: true
runs_on: machine
jobs:
  default:
    - run: echo deploying
`)

	b := &runner.RunnerBuilder{
		PipelinesDir: dir,
		Name:         "deploy-step",
		Platform:     platform.NewMock(),
	}
	_, err := b.Build(context.Background())
	require.Error(t, err)
}

func TestRunner_ChildRunnerCanRunActionFile(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "deploy-step", `
version: "3"
name: deploy-step
action: true
runs_on: machine
jobs:
  default:
    - run: echo deploying
`)

	mock := platform.NewMock()
	b := &runner.RunnerBuilder{
		PipelinesDir: dir,
		Name:         "deploy-step",
		Platform:     mock,
		IsChild:      true,
	}
	r, err := b.Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Execute(context.Background()))
	assert.Equal(t, []string{"echo deploying"}, mock.Commands)
}

func TestRunner_ArtifactsRunAtDocumentAndStepScope(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "ci", `
version: "3"
name: ci
runs_on: machine
jobs:
  default:
    - name: build
      run: make build
artifacts:
  - after: ""
    method: push
    from: ./config.yaml
    to: /etc/app/config.yaml
  - after: build
    method: get
    from: /out/binary
    to: ./binary
`)

	mock := platform.NewMock()
	b := &runner.RunnerBuilder{
		PipelinesDir: dir,
		Name:         "ci",
		Platform:     mock,
	}
	r, err := b.Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Execute(context.Background()))

	require.Len(t, mock.Pushed, 1)
	assert.Equal(t, "/etc/app/config.yaml", mock.Pushed[0].To)
	require.Len(t, mock.Got, 1)
	assert.Equal(t, "/out/binary", mock.Got[0].From)
}
