package pipeline

// rawV1 is the original schema: a single unnamed job's steps are declared
// directly under a flat `steps:` list, runs_on is always the bare machine
// shorthand, and there is no declared inputs/env/cron/external/artifacts
// support (spec.md §9, "Version evolution of the pipeline DSL"). v1
// documents normalise into a single job named "default".
type rawV1 struct {
	Version string    `yaml:"version"`
	Name    string    `yaml:"name"`
	Steps   []rawStep `yaml:"steps"`
}

const v1DefaultJobName = "default"

func (r rawV1) toDocument() *Document {
	steps := make([]Step, 0, len(r.Steps))
	for _, rs := range r.Steps {
		steps = append(steps, rs.toStep())
	}
	return &Document{
		Version:  "1",
		Name:     r.Name,
		RunsOn:   RunsOn{Kind: RunsOnMachine},
		Dispose:  true,
		Inputs:   map[string]InputSpec{},
		JobOrder: []string{v1DefaultJobName},
		Jobs: map[string]Job{
			v1DefaultJobName: {Name: v1DefaultJobName, Steps: steps},
		},
	}
}
