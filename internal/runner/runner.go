// Package runner implements the pipeline runner (spec.md §4.5): a build
// phase that loads, validates, and substitutes a pipeline document, and
// an execute phase that runs its jobs/steps against a platform, polling
// for cancellation signals every 200ms at the root.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bld-run/bld/internal/store"
	blderrors "github.com/bld-run/bld/pkg/errors"
	"github.com/bld-run/bld/pkg/execctx"
	"github.com/bld-run/bld/pkg/expression"
	"github.com/bld-run/bld/pkg/pipeline"
	"github.com/bld-run/bld/pkg/platform"
)

const signalPollInterval = 200 * time.Millisecond

// Dialer proxies an external step with server set to a remote run; it is
// supplied by internal/wsrun so runner has no direct dependency on the
// websocket transport (spec.md §4.5, "dial the remote server's run
// WebSocket and proxy the run").
type Dialer interface {
	ProxyRun(ctx context.Context, server, name string, inputs, env map[string]string, logger *slog.Logger) error
}

// SSHConfigEntry is the subset of a named global ssh_config entry
// buildPlatform needs to resolve a `runs_on: {ssh_config: <name>}`
// pipeline into a live SSH platform (spec.md §4.2). IdentityFile and
// KnownHostsPath carry the entry's configured paths through unchanged;
// Secret carries the entry's secret_ref already resolved to plaintext
// by the caller (cmd/bld/worker.go), so this package never talks to
// pkg/secrets directly.
type SSHConfigEntry struct {
	Host           string
	User           string
	IdentityFile   string
	KnownHostsPath string
	Secret         string
}

// RegistryEntry is the subset of a named global registry entry
// buildPlatform needs to authenticate an image pull against a private
// registry (spec.md §4.3). Secret carries the entry's secret_ref
// already resolved to plaintext by the caller.
type RegistryEntry struct {
	URL      string
	Username string
	Secret   string
}

// RunnerBuilder assembles a Runner from a pipeline name plus the
// surrounding build-time state (spec.md §4.5).
type RunnerBuilder struct {
	PipelinesDir string
	ConfigLookup pipeline.ConfigLookup
	SSHConfigs   map[string]SSHConfigEntry
	Registries   map[string]RegistryEntry

	Name      string
	Inputs    map[string]string
	Env       map[string]string
	Ctx       *execctx.Context
	Platform  platform.Platform // supplied for action-file/child runs; built fresh otherwise
	IsChild   bool
	RunID     string
	JobLogDir string
	Logger    *slog.Logger
	Dialer    Dialer
	Signals   <-chan os.Signal // set only for the root runner
}

// Runner executes one pipeline document.
type Runner struct {
	doc      *pipeline.Document
	platform platform.Platform
	ctx      *execctx.Context
	eval     *expression.Evaluator
	exprCtx  *expression.Context

	isChild      bool
	isRoot       bool
	runID        string
	logger       *slog.Logger
	dialer       Dialer
	signals      <-chan os.Signal
	pipelinesDir string

	buildsPlatform bool
}

// Build loads, validates, and substitutes the named pipeline into an
// executable Runner (spec.md §4.5).
func (b *RunnerBuilder) Build(ctx context.Context) (*Runner, error) {
	path := filepath.Join(b.PipelinesDir, b.Name+".yaml")
	doc, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}

	if multi := pipeline.Validate(doc, b.ConfigLookup); multi.HasErrors() {
		return nil, multi
	}

	if doc.IsActionFile && !b.IsChild {
		return nil, &blderrors.ValidationError{
			Field:   "is_child",
			Message: fmt.Sprintf("pipeline %q is an action file and refuses to run as a root pipeline", b.Name),
		}
	}

	exprCtx := expression.NewContext()
	exprCtx.Pipeline = doc
	exprCtx.Reserved["run_id"] = b.RunID
	exprCtx.Reserved["run_start_time"] = time.Now().UTC().Format(time.RFC3339)
	if wd, err := os.Getwd(); err == nil {
		exprCtx.Reserved["project_dir"] = wd
	}
	for k, v := range b.Inputs {
		exprCtx.Inputs[k] = expression.Text(v)
	}
	for name, spec := range doc.Inputs {
		if spec.HasDefault {
			exprCtx.InputDefaults[name] = spec.Default
		}
	}
	for k, v := range b.Env {
		exprCtx.Env[k] = v
	}
	for k, v := range doc.Env {
		if _, ok := exprCtx.Env[k]; !ok {
			exprCtx.Env[k] = v
		}
	}

	exprCtx.Reserved["bld_dir"] = filepath.Dir(path)

	r := &Runner{
		doc:          doc,
		ctx:          b.Ctx,
		eval:         expression.NewEvaluator(),
		exprCtx:      exprCtx,
		isChild:      b.IsChild,
		isRoot:       !b.IsChild,
		runID:        b.RunID,
		logger:       b.Logger,
		dialer:       b.Dialer,
		signals:      b.Signals,
		platform:     b.Platform,
		pipelinesDir: b.PipelinesDir,
	}
	if r.platform == nil {
		r.buildsPlatform = true
		plat, err := buildPlatform(ctx, doc, b.SSHConfigs, b.Registries)
		if err != nil {
			return nil, err
		}
		r.platform = plat
	}
	if r.ctx != nil {
		r.ctx.AddPlatform(r.platform)
	}
	return r, nil
}

func buildPlatform(ctx context.Context, doc *pipeline.Document, sshConfigs map[string]SSHConfigEntry, registries map[string]RegistryEntry) (platform.Platform, error) {
	switch doc.RunsOn.Kind {
	case pipeline.RunsOnMachine:
		return platform.NewMachine(os.TempDir())
	case pipeline.RunsOnContainerUse, pipeline.RunsOnContainerPull, pipeline.RunsOnContainerBuild:
		source := platform.ContainerUse
		switch doc.RunsOn.Kind {
		case pipeline.RunsOnContainerPull:
			source = platform.ContainerPull
		case pipeline.RunsOnContainerBuild:
			source = platform.ContainerBuild
		}
		spec := platform.ContainerSpec{
			Source:     source,
			Image:      doc.RunsOn.Image,
			Registry:   doc.RunsOn.Registry,
			BuildName:  doc.RunsOn.BuildName,
			BuildTag:   doc.RunsOn.BuildTag,
			Dockerfile: doc.RunsOn.Dockerfile,
			DockerURL:  doc.RunsOn.DockerURL,
		}
		if reg, ok := registries[doc.RunsOn.Registry]; ok {
			spec.RegistryUsername = reg.Username
			spec.RegistryPassword = reg.Secret
		}
		return platform.NewContainer(ctx, spec)
	case pipeline.RunsOnSSHInline:
		return platform.NewSSH(ctx, platform.SSHSpec{Host: doc.RunsOn.SSHHost, User: doc.RunsOn.SSHUser})
	case pipeline.RunsOnSSHConfig:
		entry, ok := sshConfigs[doc.RunsOn.SSHConfigName]
		if !ok {
			return nil, &blderrors.NotFoundError{Resource: "ssh_config", ID: doc.RunsOn.SSHConfigName}
		}
		return platform.NewSSH(ctx, platform.SSHSpec{
			Host:           entry.Host,
			User:           entry.User,
			IdentityFile:   entry.IdentityFile,
			KnownHostsPath: entry.KnownHostsPath,
			Password:       entry.Secret,
		})
	default:
		return nil, &blderrors.Internal{Invariant: fmt.Sprintf("unresolved runs_on kind for pipeline %q", doc.Name)}
	}
}

// Execute runs the pipeline's artifact pass, jobs, and steps, handling
// cancellation and terminal-state bookkeeping (spec.md §4.5).
func (r *Runner) Execute(ctx context.Context) error {
	if r.isRoot {
		if r.ctx != nil {
			r.ctx.SetPipelineState(store.RunRunning)
		}
		r.log("starting pipeline %s (runs_on=%s, version=%s)", r.doc.Name, r.doc.RunsOnDescriptor(), r.doc.Version)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.run(runCtx) }()

	var runErr error
	if r.isRoot && r.signals != nil {
		runErr = r.waitWithSignalPoll(runCtx, cancel, errCh)
	} else {
		runErr = <-errCh
	}

	r.stop(ctx, runErr)
	return runErr
}

func (r *Runner) waitWithSignalPoll(ctx context.Context, cancel context.CancelFunc, errCh chan error) error {
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			select {
			case sig := <-r.signals:
				r.log("received signal %s, aborting run", sig)
				cancel()
				if r.ctx != nil {
					r.ctx.SetPipelineState(store.RunFaulted)
				}
				<-errCh
				return &blderrors.Cancelled{Signal: sig.String()}
			default:
			}
		}
	}
}

func (r *Runner) run(ctx context.Context) error {
	for _, a := range r.doc.ArtifactsAfter("") {
		if err := r.runArtifact(ctx, a); err != nil {
			return err
		}
	}

	if single, ok := r.doc.SingleJob(); ok {
		return r.runJob(ctx, r.doc.JobOrder[0], single, r.logger)
	}
	return r.runJobsConcurrently(ctx)
}

func (r *Runner) runJobsConcurrently(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(r.doc.JobOrder))
	logs := make([]*bufferedLogger, len(r.doc.JobOrder))

	for i, name := range r.doc.JobOrder {
		i, name := i, name
		logs[i] = newBufferedLogger(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.runJob(ctx, name, r.doc.Jobs[name], logs[i].logger())
		}()
	}
	wg.Wait()

	for _, bl := range logs {
		r.log("%s", bl.buf.String())
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runJob(ctx context.Context, jobName string, job pipeline.Job, logger *slog.Logger) error {
	for _, step := range job.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runStep(ctx, jobName, step, logger); err != nil {
			return err
		}
		for _, a := range r.doc.ArtifactsAfter(step.ID()) {
			if err := r.runArtifact(ctx, a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, jobName string, step pipeline.Step, logger *slog.Logger) error {
	switch step.Kind {
	case pipeline.StepShell:
		command, err := expression.Interpolate(r.eval, step.Run, r.exprCtx)
		if err != nil {
			return err
		}
		err = r.platform.Shell(ctx, logger, step.WorkingDir, command)
		r.recordStepResult(jobName, step.ID(), "", err)
		return err
	case pipeline.StepExternal:
		return r.runExternalStep(ctx, jobName, step, logger)
	default:
		return &blderrors.Internal{Invariant: fmt.Sprintf("unknown step kind for step %q", step.ID())}
	}
}

func (r *Runner) recordStepResult(jobName, stepID, output string, err error) {
	status := "success"
	exitCode := float64(0)
	if err != nil {
		status = "failed"
		var exitErr *blderrors.ExitNonZero
		if blErrorsAs(err, &exitErr) {
			exitCode = float64(exitErr.Code)
		}
	}
	r.exprCtx.SetStepResult(jobName, stepID, expression.StepResult{Output: output, ExitCode: exitCode, Status: status})
}

func (r *Runner) runExternalStep(ctx context.Context, jobName string, step pipeline.Step, logger *slog.Logger) error {
	if step.Server != "" && r.dialer != nil {
		err := r.dialer.ProxyRun(ctx, step.Server, step.Uses, step.With, step.Env, logger)
		r.recordStepResult(jobName, step.ID(), "", err)
		return err
	}

	builder := &RunnerBuilder{
		PipelinesDir: r.pipelinesDir,
		Name:         step.Uses,
		Inputs:       step.With,
		Env:          step.Env,
		Ctx:          r.ctx,
		Platform:     r.platform,
		IsChild:      true,
		RunID:        r.runID,
		Logger:       logger,
	}
	child, err := builder.Build(ctx)
	if err != nil {
		r.recordStepResult(jobName, step.ID(), "", err)
		return err
	}
	err = child.Execute(ctx)
	r.recordStepResult(jobName, step.ID(), "", err)
	return err
}

func (r *Runner) runArtifact(ctx context.Context, a pipeline.Artifact) error {
	err := r.dispatchArtifact(ctx, a)
	if err != nil && a.IgnoreErrors {
		r.log("artifact %s %s->%s failed, ignoring: %v", a.Method, a.From, a.To, err)
		return nil
	}
	return err
}

// dispatchArtifact expands a `**`-bearing push source against the host
// filesystem before copying, so `push: {from: "dist/**/*.tar.gz"}` fans out
// to every match instead of a single literal path (spec.md §11, artifact
// glob expansion). `get` sources name a path on the target platform, which
// this process cannot list, so they are never glob-expanded.
func (r *Runner) dispatchArtifact(ctx context.Context, a pipeline.Artifact) error {
	switch a.Method {
	case pipeline.ArtifactPush:
		if !doublestar.ValidatePattern(a.From) || !strings.Contains(a.From, "**") {
			return r.platform.Push(ctx, a.From, a.To)
		}
		matches, err := doublestar.FilepathGlob(a.From)
		if err != nil {
			return &blderrors.IOError{Op: "expand artifact glob", Path: a.From, Cause: err}
		}
		if len(matches) == 0 {
			return &blderrors.NotFoundError{Resource: "artifact source", ID: a.From}
		}
		for _, match := range matches {
			rel, relErr := filepath.Rel(baseBeforeGlob(a.From), match)
			if relErr != nil {
				rel = filepath.Base(match)
			}
			if err := r.platform.Push(ctx, match, filepath.Join(a.To, rel)); err != nil {
				return err
			}
		}
		return nil
	case pipeline.ArtifactGet:
		return r.platform.Get(ctx, a.From, a.To)
	default:
		return &blderrors.Internal{Invariant: fmt.Sprintf("unknown artifact method %q", a.Method)}
	}
}

// baseBeforeGlob returns the longest directory prefix of pattern that
// contains no glob metacharacters, so glob matches can be re-rooted under
// the artifact's destination directory preserving their relative layout.
func baseBeforeGlob(pattern string) string {
	base, _ := doublestar.SplitPattern(pattern)
	return base
}

func (r *Runner) stop(ctx context.Context, runErr error) {
	if r.isRoot && r.ctx != nil {
		state := store.RunFinished
		if runErr != nil {
			state = store.RunFaulted
		}
		r.ctx.SetPipelineState(state)
	}

	if r.doc.Dispose {
		_ = r.platform.Dispose(ctx, r.isChild)
	} else {
		r.platform.KeepAlive()
	}
	if r.ctx != nil {
		r.ctx.RemovePlatform(r.platform.ID())
	}
}

func (r *Runner) log(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Info(fmt.Sprintf(format, args...))
}

func blErrorsAs(err error, target **blderrors.ExitNonZero) bool {
	for err != nil {
		if e, ok := err.(*blderrors.ExitNonZero); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
