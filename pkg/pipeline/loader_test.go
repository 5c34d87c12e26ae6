package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blderrors "github.com/bld-run/bld/pkg/errors"
	"github.com/bld-run/bld/pkg/pipeline"
)

func TestParse_V1(t *testing.T) {
	raw := []byte(`
version: "1"
name: legacy
steps:
  - echo hello
  - name: build
    run: make build
`)
	doc, err := pipeline.Parse(raw, "legacy.yaml")
	require.NoError(t, err)
	assert.Equal(t, "legacy", doc.Name)
	assert.Equal(t, pipeline.RunsOnMachine, doc.RunsOn.Kind)
	job, ok := doc.SingleJob()
	require.True(t, ok)
	require.Len(t, job.Steps, 2)
	assert.Equal(t, "echo hello", job.Steps[0].Run)
	assert.Equal(t, "build", job.Steps[1].ID())
}

func TestParse_V3_MachineRunsOn(t *testing.T) {
	raw := []byte(`
version: "3"
name: ci
runs_on: machine
inputs:
  greeting:
    default: hello
    required: false
env:
  STAGE: prod
jobs:
  build:
    - run: echo ${{ inputs.greeting }}
`)
	doc, err := pipeline.Parse(raw, "ci.yaml")
	require.NoError(t, err)
	assert.Equal(t, "ci", doc.Name)
	assert.True(t, doc.Dispose)
	assert.Equal(t, pipeline.RunsOnMachine, doc.RunsOn.Kind)
	require.Contains(t, doc.Inputs, "greeting")
	assert.True(t, doc.Inputs["greeting"].HasDefault)
	require.Contains(t, doc.Jobs, "build")
	assert.Equal(t, "echo ${{ inputs.greeting }}", doc.Jobs["build"].Steps[0].Run)
}

func TestParse_V3_ContainerPullRunsOn(t *testing.T) {
	raw := []byte(`
version: "3"
name: container-ci
runs_on:
  image: golang:1.25
  registry: docker.io
  pull: true
jobs:
  build:
    - run: go build ./...
`)
	doc, err := pipeline.Parse(raw, "container-ci.yaml")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunsOnContainerPull, doc.RunsOn.Kind)
	assert.Equal(t, "golang:1.25", doc.RunsOn.Image)
	assert.Equal(t, "docker.io", doc.RunsOn.Registry)
}

func TestParse_V3_SSHConfigRunsOn(t *testing.T) {
	raw := []byte(`
version: "3"
name: deploy
runs_on:
  ssh_config: prod-box
jobs:
  deploy:
    - run: systemctl restart app
`)
	doc, err := pipeline.Parse(raw, "deploy.yaml")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunsOnSSHConfig, doc.RunsOn.Kind)
	assert.Equal(t, "prod-box", doc.RunsOn.SSHConfigName)
}

func TestParse_V3_ExternalStep(t *testing.T) {
	raw := []byte(`
version: "3"
name: composed
jobs:
  build:
    - name: notify
      uses: slack-notify
      with:
        channel: "#ci"
      server: remote-1
`)
	doc, err := pipeline.Parse(raw, "composed.yaml")
	require.NoError(t, err)
	step := doc.Jobs["build"].Steps[0]
	assert.Equal(t, pipeline.StepExternal, step.Kind)
	assert.Equal(t, "slack-notify", step.Uses)
	assert.Equal(t, "remote-1", step.Server)
	assert.Equal(t, "#ci", step.With["channel"])
}

func TestParse_V3_Artifacts(t *testing.T) {
	raw := []byte(`
version: "3"
name: with-artifacts
artifacts:
  - after: ""
    method: get
    from: /cache/deps
    to: deps
  - after: build
    method: push
    from: dist
    to: /artifacts/dist
jobs:
  build:
    - name: build
      run: make
`)
	doc, err := pipeline.Parse(raw, "with-artifacts.yaml")
	require.NoError(t, err)
	require.Len(t, doc.Artifacts, 2)
	docScoped := doc.ArtifactsAfter("")
	require.Len(t, docScoped, 1)
	assert.Equal(t, pipeline.ArtifactGet, docScoped[0].Method)

	stepScoped := doc.ArtifactsAfter("build")
	require.Len(t, stepScoped, 1)
	assert.Equal(t, pipeline.ArtifactPush, stepScoped[0].Method)
}

func TestParse_MissingVersion(t *testing.T) {
	_, err := pipeline.Parse([]byte(`name: no-version`), "bad.yaml")
	require.Error(t, err)
	var parseErr *blderrors.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParse_UnsupportedVersion(t *testing.T) {
	_, err := pipeline.Parse([]byte(`version: "99"`), "bad.yaml")
	require.Error(t, err)
	var parseErr *blderrors.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestSerialiseThenParse_RoundTrips(t *testing.T) {
	raw := []byte(`
version: "3"
name: roundtrip
runs_on:
  image: golang:1.25
  pull: true
cron: "0 0 * * *"
dispose: false
inputs:
  greeting:
    default: hi
    description: a greeting
    required: true
env:
  STAGE: prod
external:
  - name: shared
    uses: shared-pipeline
    server: remote-1
artifacts:
  - after: ""
    method: get
    from: /cache
    to: cache
jobs:
  build:
    - name: compile
      working_dir: /src
      run: make build
    - name: notify
      uses: slack-notify
      with:
        channel: "#ci"
`)
	doc, err := pipeline.Parse(raw, "roundtrip.yaml")
	require.NoError(t, err)

	out, err := pipeline.Serialise(doc)
	require.NoError(t, err)

	doc2, err := pipeline.Parse(out, "roundtrip.yaml")
	require.NoError(t, err)

	assert.Equal(t, doc.Name, doc2.Name)
	assert.Equal(t, doc.RunsOn, doc2.RunsOn)
	assert.Equal(t, doc.Cron, doc2.Cron)
	assert.Equal(t, doc.Dispose, doc2.Dispose)
	assert.Equal(t, doc.Env, doc2.Env)
	assert.Equal(t, doc.Externals, doc2.Externals)
	assert.Equal(t, doc.Artifacts, doc2.Artifacts)
	assert.Equal(t, doc.JobOrder, doc2.JobOrder)
	assert.Equal(t, doc.Jobs, doc2.Jobs)
	require.Contains(t, doc2.Inputs, "greeting")
	assert.Equal(t, doc.Inputs["greeting"].Required, doc2.Inputs["greeting"].Required)
	assert.Equal(t, doc.Inputs["greeting"].Description, doc2.Inputs["greeting"].Description)
}
