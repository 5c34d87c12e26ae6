package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/bld-run/bld/pkg/expression"
)

type rawInputSpec struct {
	Default     yaml.Node `yaml:"default"`
	hasDefault  bool
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// UnmarshalYAML accepts either a bare scalar `name: value` shorthand or
// the complex `{default?, description?, required}` form (spec.md §4.2).
func (r *rawInputSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Default = *node
		r.hasDefault = true
		return nil
	}
	type complex struct {
		Default     *yaml.Node `yaml:"default"`
		Description string     `yaml:"description"`
		Required    bool       `yaml:"required"`
	}
	var c complex
	if err := node.Decode(&c); err != nil {
		return err
	}
	r.Description = c.Description
	r.Required = c.Required
	if c.Default != nil {
		r.Default = *c.Default
		r.hasDefault = true
	}
	return nil
}

func scalarToValue(node yaml.Node) expression.Value {
	switch node.Tag {
	case "!!bool":
		var b bool
		_ = node.Decode(&b)
		return expression.Boolean(b)
	case "!!int", "!!float":
		var f float64
		_ = node.Decode(&f)
		return expression.Number(f)
	default:
		var s string
		_ = node.Decode(&s)
		return expression.Text(s)
	}
}

func (r rawInputSpec) toSpec() InputSpec {
	spec := InputSpec{Description: r.Description, Required: r.Required}
	if r.hasDefault {
		spec.Default = scalarToValue(r.Default)
		spec.HasDefault = true
	}
	return spec
}

// rawStep accepts a bare shell string, a complex {name?, working_dir?,
// run} shell step, or an external {name?, uses, with, env, server?} step.
type rawStep struct {
	Kind       StepKind
	Name       string
	WorkingDir string
	Run        string
	Uses       string
	With       map[string]string
	Env        map[string]string
	Server     string
}

func (r *rawStep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		r.Kind = StepShell
		r.Run = s
		return nil
	}

	type complexShell struct {
		Name       string `yaml:"name"`
		WorkingDir string `yaml:"working_dir"`
		Run        string `yaml:"run"`
	}
	type external struct {
		Name   string            `yaml:"name"`
		Uses   string            `yaml:"uses"`
		With   map[string]string `yaml:"with"`
		Env    map[string]string `yaml:"env"`
		Server string            `yaml:"server"`
	}

	var probe struct {
		Uses string `yaml:"uses"`
	}
	if err := node.Decode(&probe); err != nil {
		return err
	}
	if probe.Uses != "" {
		var e external
		if err := node.Decode(&e); err != nil {
			return err
		}
		r.Kind = StepExternal
		r.Name = e.Name
		r.Uses = e.Uses
		r.With = e.With
		r.Env = e.Env
		r.Server = e.Server
		return nil
	}

	var c complexShell
	if err := node.Decode(&c); err != nil {
		return err
	}
	r.Kind = StepShell
	r.Name = c.Name
	r.WorkingDir = c.WorkingDir
	r.Run = c.Run
	return nil
}

func (r rawStep) toStep() Step {
	return Step{
		Kind:       r.Kind,
		Name:       r.Name,
		WorkingDir: r.WorkingDir,
		Run:        r.Run,
		Uses:       r.Uses,
		With:       r.With,
		Env:        r.Env,
		Server:     r.Server,
	}
}

type rawExternal struct {
	Name   string            `yaml:"name"`
	Uses   string            `yaml:"uses"`
	With   map[string]string `yaml:"with"`
	Env    map[string]string `yaml:"env"`
	Server string            `yaml:"server"`
}

type rawArtifact struct {
	After        string `yaml:"after"`
	Method       string `yaml:"method"`
	From         string `yaml:"from"`
	To           string `yaml:"to"`
	IgnoreErrors bool   `yaml:"ignore_errors"`
}

func (r rawArtifact) toArtifact() Artifact {
	return Artifact{
		After:        r.After,
		Method:       ArtifactMethod(r.Method),
		From:         r.From,
		To:           r.To,
		IgnoreErrors: r.IgnoreErrors,
	}
}

// rawRunsOn accepts the five forms spec.md §4.2 names: a bare
// "machine"/image string, an image-use/pull object, an image-build
// object, an inline ssh-config object, or a named-ssh_config reference.
type rawRunsOn struct {
	set bool
	RunsOn
}

func (r *rawRunsOn) UnmarshalYAML(node *yaml.Node) error {
	r.set = true
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s == "machine" {
			r.Kind = RunsOnMachine
		} else {
			r.Kind = RunsOnContainerUse
			r.Image = s
		}
		return nil
	}

	var probe struct {
		SSHConfig  string `yaml:"ssh_config"`
		Dockerfile string `yaml:"dockerfile"`
		Image      string `yaml:"image"`
		Host       string `yaml:"host"`
	}
	if err := node.Decode(&probe); err != nil {
		return err
	}
	switch {
	case probe.SSHConfig != "":
		r.Kind = RunsOnSSHConfig
		r.SSHConfigName = probe.SSHConfig
	case probe.Dockerfile != "":
		var build struct {
			Name       string `yaml:"name"`
			Tag        string `yaml:"tag"`
			Dockerfile string `yaml:"dockerfile"`
			DockerURL  string `yaml:"docker_url"`
		}
		if err := node.Decode(&build); err != nil {
			return err
		}
		r.Kind = RunsOnContainerBuild
		r.BuildName = build.Name
		r.BuildTag = build.Tag
		r.Dockerfile = build.Dockerfile
		r.DockerURL = build.DockerURL
	case probe.Image != "":
		var use struct {
			Image     string `yaml:"image"`
			Registry  string `yaml:"registry"`
			Pull      bool   `yaml:"pull"`
			DockerURL string `yaml:"docker_url"`
		}
		if err := node.Decode(&use); err != nil {
			return err
		}
		r.Image = use.Image
		r.Registry = use.Registry
		r.Pull = use.Pull
		r.DockerURL = use.DockerURL
		if use.Pull {
			r.Kind = RunsOnContainerPull
		} else {
			r.Kind = RunsOnContainerUse
		}
	case probe.Host != "":
		var ssh struct {
			Host string `yaml:"host"`
			User string `yaml:"user"`
		}
		if err := node.Decode(&ssh); err != nil {
			return err
		}
		r.Kind = RunsOnSSHInline
		r.SSHHost = ssh.Host
		r.SSHUser = ssh.User
	default:
		return fmt.Errorf("unrecognised runs_on shape")
	}
	return nil
}

type rawJob []rawStep

type rawV3 struct {
	Version   string                  `yaml:"version"`
	Name      string                  `yaml:"name"`
	RunsOn    rawRunsOn               `yaml:"runs_on"`
	Cron      string                  `yaml:"cron"`
	Dispose   *bool                   `yaml:"dispose"`
	Inputs    map[string]rawInputSpec `yaml:"inputs"`
	Env       map[string]string       `yaml:"env"`
	External  []rawExternal           `yaml:"external"`
	Jobs      yaml.Node               `yaml:"jobs"`
	Artifacts []rawArtifact           `yaml:"artifacts"`
	Action    bool                    `yaml:"action"`
}

func (r rawV3) toDocument() *Document {
	doc := &Document{
		Version:      "3",
		Name:         r.Name,
		Cron:         r.Cron,
		Dispose:      true,
		Inputs:       make(map[string]InputSpec),
		Env:          r.Env,
		IsActionFile: r.Action,
	}
	if r.Dispose != nil {
		doc.Dispose = *r.Dispose
	}
	if r.RunsOn.set {
		doc.RunsOn = r.RunsOn.RunsOn
	} else {
		doc.RunsOn = RunsOn{Kind: RunsOnMachine}
	}
	for name, spec := range r.Inputs {
		doc.Inputs[name] = spec.toSpec()
	}
	for _, e := range r.External {
		doc.Externals = append(doc.Externals, External{
			Name: e.Name, Uses: e.Uses, With: e.With, Env: e.Env, Server: e.Server,
		})
	}
	for _, a := range r.Artifacts {
		doc.Artifacts = append(doc.Artifacts, a.toArtifact())
	}

	doc.Jobs = make(map[string]Job)
	if r.Jobs.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(r.Jobs.Content); i += 2 {
			jobName := r.Jobs.Content[i].Value
			var raw rawJob
			if err := r.Jobs.Content[i+1].Decode(&raw); err != nil {
				continue
			}
			steps := make([]Step, 0, len(raw))
			for _, rs := range raw {
				steps = append(steps, rs.toStep())
			}
			doc.JobOrder = append(doc.JobOrder, jobName)
			doc.Jobs[jobName] = Job{Name: jobName, Steps: steps}
		}
	}
	return doc
}

func documentToRawV3(d *Document) *rawV3 {
	r := &rawV3{
		Version: "3",
		Name:    d.Name,
		Cron:    d.Cron,
		Dispose: &d.Dispose,
		Env:     d.Env,
		Action:  d.IsActionFile,
	}
	r.RunsOn.set = true
	r.RunsOn.RunsOn = d.RunsOn
	r.Inputs = make(map[string]rawInputSpec)
	for name, spec := range d.Inputs {
		ri := rawInputSpec{Description: spec.Description, Required: spec.Required}
		if spec.HasDefault {
			var n yaml.Node
			_ = n.Encode(valueToScalar(spec.Default))
			ri.Default = n
			ri.hasDefault = true
		}
		r.Inputs[name] = ri
	}
	for _, e := range d.Externals {
		r.External = append(r.External, rawExternal{Name: e.Name, Uses: e.Uses, With: e.With, Env: e.Env, Server: e.Server})
	}
	for _, a := range d.Artifacts {
		r.Artifacts = append(r.Artifacts, rawArtifact{
			After: a.After, Method: string(a.Method), From: a.From, To: a.To, IgnoreErrors: a.IgnoreErrors,
		})
	}

	content := make([]*yaml.Node, 0, len(d.JobOrder)*2)
	for _, name := range d.JobOrder {
		job := d.Jobs[name]
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: name}
		stepNodes := make([]*yaml.Node, 0, len(job.Steps))
		for _, s := range job.Steps {
			n := stepToNode(s)
			stepNodes = append(stepNodes, n)
		}
		valNode := &yaml.Node{Kind: yaml.SequenceNode, Content: stepNodes}
		content = append(content, keyNode, valNode)
	}
	r.Jobs = yaml.Node{Kind: yaml.MappingNode, Content: content}
	return r
}

func valueToScalar(v expression.Value) interface{} {
	switch v.Kind {
	case expression.KindNumber:
		return v.Num
	case expression.KindBoolean:
		return v.Bool
	default:
		return v.Text
	}
}

func stepToNode(s Step) *yaml.Node {
	if s.Kind == StepShell && s.Name == "" && s.WorkingDir == "" {
		n := &yaml.Node{}
		_ = n.Encode(s.Run)
		return n
	}
	if s.Kind == StepExternal {
		n := &yaml.Node{}
		_ = n.Encode(map[string]interface{}{
			"name": s.Name, "uses": s.Uses, "with": s.With, "env": s.Env, "server": s.Server,
		})
		return n
	}
	n := &yaml.Node{}
	_ = n.Encode(map[string]interface{}{
		"name": s.Name, "working_dir": s.WorkingDir, "run": s.Run,
	})
	return n
}
