package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bld-run/bld/pkg/pipeline"
)

type fakeConfig struct {
	sshConfigs   map[string]bool
	servers      map[string]bool
	localActions map[string]bool
}

func (f fakeConfig) HasSSHConfig(name string) bool  { return f.sshConfigs[name] }
func (f fakeConfig) HasServer(name string) bool      { return f.servers[name] }
func (f fakeConfig) HasLocalAction(name string) bool { return f.localActions[name] }

func TestValidate_AccumulatesMultipleErrors(t *testing.T) {
	raw := []byte(`
version: "3"
name: ""
cron: "not a cron"
runs_on:
  ssh_config: missing-box
jobs:
  build:
    - run: echo ${{ inputs.undeclared }}
`)
	doc, err := pipeline.Parse(raw, "bad.yaml")
	require.NoError(t, err)

	cfg := fakeConfig{sshConfigs: map[string]bool{}}
	multi := pipeline.Validate(doc, cfg)
	require.True(t, multi.HasErrors())
	assert.GreaterOrEqual(t, len(multi.Errors), 4)
}

func TestValidate_ValidDocumentHasNoErrors(t *testing.T) {
	raw := []byte(`
version: "3"
name: good
cron: "0 0 * * *"
inputs:
  greeting:
    default: hi
jobs:
  build:
    - name: step1
      run: echo ${{ inputs.greeting }}
    - name: step2
      run: echo ${{ steps.step1.output }}
`)
	doc, err := pipeline.Parse(raw, "good.yaml")
	require.NoError(t, err)

	multi := pipeline.Validate(doc, nil)
	assert.False(t, multi.HasErrors())
}

func TestValidate_ExternalNameMatchingServerAndLocalActionIsAccepted(t *testing.T) {
	raw := []byte(`
version: "3"
name: composed
jobs:
  build:
    - name: notify
      uses: shared-name
`)
	doc, err := pipeline.Parse(raw, "composed.yaml")
	require.NoError(t, err)

	cfg := fakeConfig{
		servers:      map[string]bool{"shared-name": true},
		localActions: map[string]bool{"shared-name": true},
	}
	multi := pipeline.Validate(doc, cfg)
	assert.False(t, multi.HasErrors())
}

func TestValidate_UnknownExternalReference(t *testing.T) {
	raw := []byte(`
version: "3"
name: composed
jobs:
  build:
    - name: notify
      uses: nonexistent
`)
	doc, err := pipeline.Parse(raw, "composed.yaml")
	require.NoError(t, err)

	cfg := fakeConfig{servers: map[string]bool{}, localActions: map[string]bool{}}
	multi := pipeline.Validate(doc, cfg)
	assert.True(t, multi.HasErrors())
}
