// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bld-run/bld/internal/config"
	bldlog "github.com/bld-run/bld/internal/log"
	"github.com/bld-run/bld/internal/runner"
	"github.com/bld-run/bld/internal/store"
	"github.com/bld-run/bld/internal/workerwire"
	"github.com/bld-run/bld/internal/wsrun"
	blderrors "github.com/bld-run/bld/pkg/errors"
	"github.com/bld-run/bld/pkg/execctx"
	"github.com/bld-run/bld/pkg/secrets"
)

func newWorkerCommand() *cobra.Command {
	var (
		pipelineName string
		runID        string
		inputs       []string
		environment  []string
		configPath   string
		pipelinesDir string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "execute exactly one pipeline run to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), workerArgs{
				pipelineName: pipelineName,
				runID:        runID,
				inputs:       inputs,
				environment:  environment,
				configPath:   configPath,
				pipelinesDir: pipelinesDir,
			})
		},
	}
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "pipeline name to run (required)")
	cmd.Flags().StringVar(&runID, "run-id", "", "the run id assigned by the server (required)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input k=v, repeatable")
	cmd.Flags().StringArrayVar(&environment, "environment", nil, "environment variable k=v, repeatable")
	cmd.Flags().StringVar(&configPath, "config", "", "path to the bld config file (default: XDG config dir)")
	cmd.Flags().StringVar(&pipelinesDir, "pipelines-dir", "", "directory holding pipeline .yaml files (default: working directory)")
	_ = cmd.MarkFlagRequired("pipeline")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

type workerArgs struct {
	pipelineName string
	runID        string
	inputs       []string
	environment  []string
	configPath   string
	pipelinesDir string
}

// runWorker implements spec.md §6's worker CLI: build, execute, announce
// completion to the supervisor over the worker IPC socket, and propagate
// the run's outcome as the process exit code.
func runWorker(ctx context.Context, a workerArgs) error {
	stepLogger := bldlog.New(&bldlog.Config{Format: bldlog.FormatText, Output: os.Stdout, Level: "info"})
	errLogger := bldlog.New(&bldlog.Config{Format: bldlog.FormatJSON, Output: os.Stderr, Level: "info"})

	if a.configPath == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return fail(errLogger, a.runID, fmt.Errorf("resolve config path: %w", err))
		}
		a.configPath = p
	}
	settings, err := config.Load(a.configPath)
	if err != nil {
		return fail(errLogger, a.runID, fmt.Errorf("load config: %w", err))
	}
	if a.pipelinesDir == "" {
		a.pipelinesDir, err = os.Getwd()
		if err != nil {
			return fail(errLogger, a.runID, fmt.Errorf("resolve working directory: %w", err))
		}
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		return fail(errLogger, a.runID, fmt.Errorf("resolve config dir: %w", err))
	}
	st, err := store.OpenSQLite(filepath.Join(configDir, "bld.db"))
	if err != nil {
		return fail(errLogger, a.runID, fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	inputs, err := splitPairs(a.inputs)
	if err != nil {
		return fail(errLogger, a.runID, err)
	}
	env, err := splitPairs(a.environment)
	if err != nil {
		return fail(errLogger, a.runID, err)
	}

	masker := secrets.NewMasker()

	sshConfigs := make(map[string]runner.SSHConfigEntry, len(settings.SSHConfigs))
	for name, entry := range settings.SSHConfigs {
		secret, err := secrets.Resolve(entry.SecretRef)
		if err != nil {
			return fail(errLogger, a.runID, fmt.Errorf("resolve ssh_config %q secret: %w", name, err))
		}
		masker.AddSecret(secret)
		sshConfigs[name] = runner.SSHConfigEntry{
			Host:           entry.Host,
			User:           entry.User,
			IdentityFile:   entry.IdentityFile,
			KnownHostsPath: entry.KnownHostsPath,
			Secret:         secret,
		}
	}

	registries := make(map[string]runner.RegistryEntry, len(settings.Registries))
	for name, entry := range settings.Registries {
		secret, err := secrets.Resolve(entry.SecretRef)
		if err != nil {
			return fail(errLogger, a.runID, fmt.Errorf("resolve registry %q secret: %w", name, err))
		}
		masker.AddSecret(secret)
		registries[name] = runner.RegistryEntry{URL: entry.URL, Username: entry.Username, Secret: secret}
	}

	stepLogger = slog.New(secrets.NewMaskingHandler(stepLogger.Handler(), masker))

	execCtx := execctx.NewServer(st, a.runID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	builder := &runner.RunnerBuilder{
		PipelinesDir: a.pipelinesDir,
		ConfigLookup: settings,
		SSHConfigs:   sshConfigs,
		Registries:   registries,
		Name:         a.pipelineName,
		Inputs:       inputs,
		Env:          env,
		Ctx:          execCtx,
		IsChild:      false,
		RunID:        a.runID,
		Logger:       stepLogger,
		Dialer:       &wsrun.Dialer{Servers: settings.Servers},
		Signals:      sigCh,
	}

	r, buildErr := builder.Build(ctx)
	var runErr error
	if buildErr != nil {
		runErr = buildErr
	} else {
		runErr = r.Execute(ctx)
	}

	var cancelled *blderrors.Cancelled
	if errors.As(runErr, &cancelled) {
		execCtx.DoCleanup()
	}

	announceCompletion(settings.BindAddr, errLogger)

	if runErr != nil {
		return fail(errLogger, a.runID, runErr)
	}
	return nil
}

// announceCompletion dials the supervisor's worker socket and sends
// Completed, letting it reap this worker immediately rather than waiting
// to notice the process exit (spec.md §4.5 step 5, §4.8). Best-effort: a
// failed announce still lets process-exit detection reap the worker.
func announceCompletion(bindAddr string, logger *slog.Logger) {
	url := "ws://" + bindAddr + "/v1/ws-worker/"
	client, err := workerwire.Dial(context.Background(), url)
	if err != nil {
		logger.Warn("failed to announce completion to supervisor", "error", err)
		return
	}
	defer client.Close()
	if err := client.SendCompleted(); err != nil {
		logger.Warn("failed to send Completed frame", "error", err)
	}
}

func fail(logger *slog.Logger, runID string, err error) error {
	logger.Error("worker failed", "run_id", runID, "error", err.Error())
	return err
}

func splitPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, &blderrors.ValidationError{Field: "k=v", Message: fmt.Sprintf("malformed pair %q, expected key=value", p)}
		}
		out[k] = v
	}
	return out, nil
}
