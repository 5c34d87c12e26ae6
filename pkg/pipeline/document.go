// Package pipeline implements the versioned (v1/v2/v3) pipeline document
// model and its validator: deserialising a YAML pipeline file into a
// canonical in-memory Document regardless of which schema version
// produced it, and walking every symbolic reference and configuration
// dependency the document names before a runner is allowed to build from
// it.
//
// Three schema versions coexist by design (see spec.md §9, "Version
// evolution of the pipeline DSL"): introducing a new version means adding
// a new raw-struct variant and a ToDocument conversion, never mutating an
// older one's behaviour.
package pipeline

import "github.com/bld-run/bld/pkg/expression"

// RunsOnKind discriminates the shape of a runs_on descriptor.
type RunsOnKind int

const (
	RunsOnMachine RunsOnKind = iota
	RunsOnContainerUse
	RunsOnContainerPull
	RunsOnContainerBuild
	RunsOnSSHInline
	RunsOnSSHConfig
)

// RunsOn describes the platform target a pipeline runs on (spec.md §4.2).
type RunsOn struct {
	Kind RunsOnKind

	// Container fields.
	Image      string
	Registry   string
	Pull       bool
	DockerURL  string
	BuildName  string
	BuildTag   string
	Dockerfile string

	// SSH fields (RunsOnSSHInline).
	SSHHost string
	SSHUser string

	// SSHConfigName names a global config entry (RunsOnSSHConfig).
	SSHConfigName string
}

// Descriptor renders a short human/expression-facing form, used by
// `${{ runs_on }}` and CLI banners.
func (r RunsOn) Descriptor() string {
	switch r.Kind {
	case RunsOnMachine:
		return "machine"
	case RunsOnContainerUse:
		return "container:" + r.Image
	case RunsOnContainerPull:
		return "container:" + r.Image + " (pull)"
	case RunsOnContainerBuild:
		return "container-build:" + r.BuildName + ":" + r.BuildTag
	case RunsOnSSHInline:
		return "ssh:" + r.SSHHost
	case RunsOnSSHConfig:
		return "ssh_config:" + r.SSHConfigName
	default:
		return "unknown"
	}
}

// InputSpec is a declared input's default/description/required triple.
type InputSpec struct {
	Default     expression.Value
	HasDefault  bool
	Description string
	Required    bool
}

// StepKind discriminates shell steps (bare string or complex form) from
// external steps (spec.md §3).
type StepKind int

const (
	StepShell StepKind = iota
	StepExternal
)

// Step is a single unit of execution inside a job.
type Step struct {
	Kind       StepKind
	Name       string
	WorkingDir string

	// Run holds the shell command line for StepShell (bare string steps
	// and complex {name?, working_dir?, run} steps both normalise here).
	Run string

	// External fields for StepExternal.
	Uses   string
	With   map[string]string
	Env    map[string]string
	Server string
}

// ID returns the step's identifier for `${{ steps.<id>.* }}` resolution:
// the declared Name, or Run itself for unnamed bare shell steps.
func (s Step) ID() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Run
}

// External is a top-level `external:` entry: a named reference to
// another pipeline, optionally on a remote server.
type External struct {
	Name   string
	Uses   string
	With   map[string]string
	Env    map[string]string
	Server string
}

// ArtifactMethod is push or get.
type ArtifactMethod string

const (
	ArtifactPush ArtifactMethod = "push"
	ArtifactGet  ArtifactMethod = "get"
)

// Artifact describes a file to copy into or out of the platform, scoped
// to run once before any step runs (After == "") or immediately after a
// named step (spec.md §4.5 "Artifacts pass").
type Artifact struct {
	After        string // "" means job-scope None
	Method       ArtifactMethod
	From         string
	To           string
	IgnoreErrors bool
}

// Job is a named ordered sequence of steps (spec.md GLOSSARY).
type Job struct {
	Name  string
	Steps []Step
}

// Document is the canonical, version-independent in-memory pipeline
// produced by Load regardless of the source schema version.
type Document struct {
	Version   string
	Name      string
	RunsOn    RunsOn
	Cron      string
	Dispose   bool
	Inputs    map[string]InputSpec
	Env       map[string]string
	Externals []External

	// JobOrder preserves declaration order; Jobs indexes by name.
	JobOrder []string
	Jobs     map[string]Job

	// Artifacts lists every push/get declared by the document. An entry
	// with After == "" runs once at document scope before any job; an
	// entry with After == <step id> runs immediately after that step
	// completes, in whichever job declares a step with that id
	// (spec.md §4.5, "Artifacts pass").
	Artifacts []Artifact

	// IsActionFile marks a v3 document meant to be invoked only as a
	// child runner (spec.md §4.5: "refuses to run unless is_child").
	IsActionFile bool
}

// ArtifactsAfter returns every artifact scoped to run after the given
// step id ("" selects document-scope artifacts run before any job).
func (d *Document) ArtifactsAfter(stepID string) []Artifact {
	var out []Artifact
	for _, a := range d.Artifacts {
		if a.After == stepID {
			out = append(out, a)
		}
	}
	return out
}

// PipelineName implements expression.PipelineView.
func (d *Document) PipelineName() string { return d.Name }

// RunsOnDescriptor implements expression.PipelineView.
func (d *Document) RunsOnDescriptor() string { return d.RunsOn.Descriptor() }

// DisposeFlag implements expression.PipelineView.
func (d *Document) DisposeFlag() bool { return d.Dispose }

// CronExpression implements expression.PipelineView.
func (d *Document) CronExpression() string { return d.Cron }

// SingleJob returns the lone job when exactly one is declared, for the
// "if exactly one job, it runs in the current task" rule (spec.md §4.5).
func (d *Document) SingleJob() (Job, bool) {
	if len(d.JobOrder) != 1 {
		return Job{}, false
	}
	return d.Jobs[d.JobOrder[0]], true
}
