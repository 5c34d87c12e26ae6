package pipeline

import "gopkg.in/yaml.v3"

// rawV2 adds declared inputs and container/ssh runs_on shapes over v1, but
// predates the external: and artifacts: top-level keys (spec.md §9,
// "Version evolution of the pipeline DSL").
type rawV2 struct {
	Version string                  `yaml:"version"`
	Name    string                  `yaml:"name"`
	RunsOn  rawRunsOn               `yaml:"runs_on"`
	Cron    string                  `yaml:"cron"`
	Dispose *bool                   `yaml:"dispose"`
	Inputs  map[string]rawInputSpec `yaml:"inputs"`
	Env     map[string]string       `yaml:"env"`
	Jobs    yaml.Node               `yaml:"jobs"`
}

func (r rawV2) toDocument() *Document {
	v3 := rawV3{
		Version: "2",
		Name:    r.Name,
		RunsOn:  r.RunsOn,
		Cron:    r.Cron,
		Dispose: r.Dispose,
		Inputs:  r.Inputs,
		Env:     r.Env,
		Jobs:    r.Jobs,
	}
	doc := v3.toDocument()
	doc.Version = "2"
	return doc
}
