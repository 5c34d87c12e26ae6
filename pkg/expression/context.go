package expression

import blderrors "github.com/bld-run/bld/pkg/errors"

// ReservedKeywords are the identifiers the substitution pass and the
// evaluator resolve without consulting a declared input or env var.
var ReservedKeywords = map[string]bool{
	"bld_dir":        true,
	"project_dir":    true,
	"run_id":         true,
	"run_start_time": true,
}

// StepResult is the set of attributes a finished (or in-flight) step
// exposes to `${{ steps.<id>.<attr> }}` / `${{ jobs.<j>.<id>.<attr> }}`.
type StepResult struct {
	Output   string
	ExitCode float64
	Status   string // "success" | "failed" | "skipped"
}

func (s StepResult) attr(name string) (Value, error) {
	switch name {
	case "output":
		return Text(s.Output), nil
	case "exit_code":
		return Number(s.ExitCode), nil
	case "status":
		return Text(s.Status), nil
	default:
		return Value{}, &blderrors.NameError{Identifier: "steps.<id>." + name}
	}
}

// PipelineView exposes the subset of a parsed pipeline document the
// evaluator's root namespaces (name, runs_on, dispose, cron) read from.
// pkg/pipeline's document types implement this.
type PipelineView interface {
	PipelineName() string
	RunsOnDescriptor() string
	DisposeFlag() bool
	CronExpression() string
}

// Context is injected into every Evaluate call: a read-only view (run id,
// run start time, inputs, env, directory paths, and the owning pipeline)
// and a writable view of per-step outputs that the runner appends to as
// steps complete. The core never writes through the writable view itself
// today, but both views are threaded through so a future extension can.
type Context struct {
	// Reserved holds values for bld_dir, project_dir, run_id, run_start_time.
	Reserved map[string]string

	// Inputs maps declared input name to its current value.
	Inputs map[string]Value
	// InputDefaults maps declared input name to its default, used when
	// Inputs does not hold an override.
	InputDefaults map[string]Value

	// Env maps declared env var name to its value.
	Env map[string]string

	Pipeline PipelineView

	// Steps holds results for the job currently executing (§4.1:
	// `steps.<step_id>.<attr>` resolves "within the current action").
	Steps map[string]StepResult

	// Jobs holds results keyed by job name then step id, for
	// `jobs.<j>.<step_id>.<attr>` references (v3 only).
	Jobs map[string]map[string]StepResult
}

// NewContext builds an empty, writable Context ready to have its fields
// populated by the runner as it builds a platform and executes steps.
func NewContext() *Context {
	return &Context{
		Reserved:      make(map[string]string),
		Inputs:        make(map[string]Value),
		InputDefaults: make(map[string]Value),
		Env:           make(map[string]string),
		Steps:         make(map[string]StepResult),
		Jobs:          make(map[string]map[string]StepResult),
	}
}

// SetStepResult records a completed step's output for later expression
// resolution via `steps.<id>.<attr>` and, if job is non-empty, also via
// `jobs.<job>.<id>.<attr>`.
func (c *Context) SetStepResult(job, stepID string, result StepResult) {
	c.Steps[stepID] = result
	if job == "" {
		return
	}
	if c.Jobs[job] == nil {
		c.Jobs[job] = make(map[string]StepResult)
	}
	c.Jobs[job][stepID] = result
}

func (c *Context) resolveInput(name string) (Value, error) {
	if v, ok := c.Inputs[name]; ok {
		return v, nil
	}
	if v, ok := c.InputDefaults[name]; ok {
		return v, nil
	}
	return Value{}, &blderrors.NameError{Identifier: "inputs." + name}
}

func (c *Context) resolveEnv(name string) (Value, error) {
	if v, ok := c.Env[name]; ok {
		return Text(v), nil
	}
	return Value{}, &blderrors.NameError{Identifier: "env." + name}
}
