package pipeline

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/bld-run/bld/internal/util"
	blderrors "github.com/bld-run/bld/pkg/errors"
	"github.com/bld-run/bld/pkg/expression"
)

// ConfigLookup is the subset of daemon configuration the validator needs
// to confirm a document's external references actually exist, without
// pipeline importing the config package directly.
type ConfigLookup interface {
	HasSSHConfig(name string) bool
	HasServer(name string) bool
	HasLocalAction(name string) bool
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate walks every textual field of d and accumulates every problem
// found into a single MultiValidationError rather than failing on the
// first one (spec.md §4.2, "validation accumulates all errors it finds").
func Validate(d *Document, cfg ConfigLookup) *blderrors.MultiValidationError {
	multi := &blderrors.MultiValidationError{}

	if d.Name == "" {
		multi.Add(&blderrors.ValidationError{Field: "name", Message: "must not be empty"})
	}

	if d.Cron != "" {
		if _, err := cronParser.Parse(d.Cron); err != nil {
			multi.Add(&blderrors.ValidationError{Field: "cron", Message: err.Error()})
		}
	}

	validateRunsOn(d.RunsOn, cfg, multi)

	known := knownSymbols(d)
	var stepIDs []string
	for _, jobName := range d.JobOrder {
		job := d.Jobs[jobName]
		for _, step := range job.Steps {
			validateStepReferences(jobName, step, known, multi)
			if step.Kind == StepExternal {
				validateExternalReference(step.Uses, step.Server, cfg, multi)
			}
			stepIDs = append(stepIDs, step.ID())
		}
	}
	for _, ext := range d.Externals {
		validateExternalReference(ext.Uses, ext.Server, cfg, multi)
	}
	validateArtifacts(d.Artifacts, stepIDs, multi)

	return multi
}

// validateArtifacts rejects an artifact scoped `after` a step id that no
// job declares: ArtifactsAfter would silently never select such an entry,
// so the pipeline would build successfully but never copy it.
func validateArtifacts(artifacts []Artifact, stepIDs []string, multi *blderrors.MultiValidationError) {
	for _, a := range artifacts {
		if a.After != "" && !util.Contains(stepIDs, a.After) {
			multi.Add(&blderrors.ValidationError{
				Field:   "artifacts.after",
				Message: fmt.Sprintf("no step with id %q", a.After),
			})
		}
	}
}

func validateRunsOn(r RunsOn, cfg ConfigLookup, multi *blderrors.MultiValidationError) {
	if r.Kind == RunsOnSSHConfig && cfg != nil && !cfg.HasSSHConfig(r.SSHConfigName) {
		multi.Add(&blderrors.ValidationError{
			Field:  "runs_on.ssh_config",
			Message: fmt.Sprintf("no ssh_config entry named %q", r.SSHConfigName),
		})
	}
}

// validateExternalReference checks that uses is non-empty and, when cfg is
// set, that a named server is configured; with no server, uses must name a
// configured server or a local action. A name that matches both is
// accepted; this check does not choose between them.
func validateExternalReference(uses, server string, cfg ConfigLookup, multi *blderrors.MultiValidationError) {
	if uses == "" {
		multi.Add(&blderrors.ValidationError{Field: "uses", Message: "must not be empty"})
		return
	}
	if cfg == nil {
		return
	}
	if server != "" {
		if !cfg.HasServer(server) {
			multi.Add(&blderrors.ValidationError{
				Field:  "server",
				Message: fmt.Sprintf("no configured server named %q", server),
			})
		}
		return
	}
	if !cfg.HasServer(uses) && !cfg.HasLocalAction(uses) {
		multi.Add(&blderrors.ValidationError{
			Field:  "uses",
			Message: fmt.Sprintf("%q does not match a configured server or a local action file", uses),
		})
	}
}

// knownSymbols is the set of root.second identifiers a document's own
// declarations make resolvable, independent of run-time step results.
func knownSymbols(d *Document) map[string]bool {
	known := make(map[string]bool)
	for kw := range expression.ReservedKeywords {
		known[kw] = true
	}
	known["name"] = true
	known["runs_on"] = true
	known["dispose"] = true
	known["cron"] = true
	for name := range d.Inputs {
		known["inputs."+name] = true
	}
	for name := range d.Env {
		known["env."+name] = true
	}
	for jobName, job := range d.Jobs {
		for _, step := range job.Steps {
			known["steps."+step.ID()] = true
			known["jobs."+jobName+"."+step.ID()] = true
		}
	}
	return known
}

func validateStepReferences(jobName string, step Step, known map[string]bool, multi *blderrors.MultiValidationError) {
	texts := []string{step.Run}
	for _, v := range step.With {
		texts = append(texts, v)
	}
	for _, v := range step.Env {
		texts = append(texts, v)
	}
	for _, text := range texts {
		for _, ref := range expression.ExtractReferences(text) {
			if !referenceResolvable(ref, known) {
				multi.Add(&blderrors.ValidationError{
					Field:  fmt.Sprintf("jobs.%s.%s", jobName, step.ID()),
					Message: fmt.Sprintf("undeclared reference %q", ref),
				})
			}
		}
	}
}

func referenceResolvable(ref string, known map[string]bool) bool {
	if known[ref] {
		return true
	}
	root := expression.RootSymbol(ref)
	switch root {
	case "inputs", "env":
		return known[ref]
	case "steps", "jobs":
		// steps.<id>.<attr> and jobs.<j>.<id>.<attr> both carry a
		// trailing attribute segment the declaration set never
		// enumerates; check the prefix without it.
		return known[stripLastSegment(ref)]
	default:
		return known[root]
	}
}

func stripLastSegment(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '.' {
			return ref[:i]
		}
	}
	return ref
}
