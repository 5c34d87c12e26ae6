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
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bld-run/bld/internal/config"
	"github.com/bld-run/bld/internal/lifecycle"
	bldlog "github.com/bld-run/bld/internal/log"
	"github.com/bld-run/bld/internal/store"
	"github.com/bld-run/bld/internal/supervisor"
	"github.com/bld-run/bld/internal/workerwire"
	"github.com/bld-run/bld/internal/wsrun"
	"github.com/bld-run/bld/pkg/pipeline"
)

func newServerCommand() *cobra.Command {
	var (
		configPath   string
		bindAddr     string
		pipelinesDir string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "run the bld server: admits runs, streams logs, supervises workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configPath, bindAddr, pipelinesDir)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the bld config file (default: XDG config dir)")
	cmd.Flags().StringVar(&bindAddr, "bind", "", "override the configured bind address")
	cmd.Flags().StringVar(&pipelinesDir, "pipelines-dir", "", "directory holding pipeline .yaml files (default: working directory)")
	return cmd
}

func runServer(ctx context.Context, configPath, bindOverride, pipelinesDir string) error {
	logger := bldlog.New(bldlog.FromEnv())
	slog.SetDefault(logger)

	if configPath == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		configPath = p
	}
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if bindOverride != "" {
		settings.BindAddr = bindOverride
	}
	if pipelinesDir == "" {
		pipelinesDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	if err := os.MkdirAll(settings.Logs, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	if err := os.MkdirAll(settings.Root, 0o755); err != nil {
		return fmt.Errorf("create root dir: %w", err)
	}

	pidMgr := lifecycle.NewPIDFileManager(filepath.Join(configDir, "server.pid"))
	if err := acquirePIDFile(pidMgr); err != nil {
		return fmt.Errorf("acquire pid file: %w", err)
	}
	defer pidMgr.Remove()

	st, err := store.OpenSQLite(filepath.Join(configDir, "bld.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var gc supervisor.ContainerGC
	if len(settings.DockerURLs) > 0 {
		dockerGC, err := supervisor.NewDockerGC("")
		if err != nil {
			logger.Warn("container GC disabled: failed to dial docker engine", "error", err)
		} else {
			gc = dockerGC
		}
	}

	sup := supervisor.New(settings.Capacity, st, gc, logger)
	defer sup.Shutdown()

	cache, err := pipeline.NewCache(pipelinesDir, logger)
	if err != nil {
		return fmt.Errorf("watch pipelines dir: %w", err)
	}
	defer cache.Close()

	secret, err := loadOrCreateSecret(filepath.Join(configDir, "jwt_secret"))
	if err != nil {
		return fmt.Errorf("load jwt secret: %w", err)
	}
	auth := wsrun.NewAuthenticator(secret)

	workerBinary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}

	runHandler := wsrun.NewHandler(st, sup, auth, cache, pipelinesDir, settings.Logs, workerBinary, configPath, logger)
	workerHandler := workerwire.NewHandler(sup, logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/ws-exec/", runHandler)
	mux.Handle("/v1/ws-worker/", workerHandler)
	mux.HandleFunc("/stop", stopHandler(sup, logger))
	mux.HandleFunc("/healthz", healthzHandler(st))

	httpServer := &http.Server{Addr: settings.BindAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bld server listening", "addr", settings.BindAddr, "pipelines_dir", pipelinesDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// stopHandler implements spec.md §4.5's "Server POST /stop enqueues a
// supervisor Stop(run_id)": kills the run's active worker (SIGTERM then
// SIGKILL after a grace period) or removes it from the backlog.
func stopHandler(sup *supervisor.Supervisor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			http.Error(w, "missing run_id", http.StatusBadRequest)
			return
		}
		sup.Stop(runID)
		logger.Info("stop requested", "run_id", runID)
		w.WriteHeader(http.StatusAccepted)
	}
}

// healthzHandler reports liveness: the listener is bound (we are serving
// this request) and the store can be reached (spec.md §10 §12).
func healthzHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.ListRuns(r.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// acquirePIDFile claims mgr's PID file for this process, clearing a stale
// one left behind by a server that died without reaching its deferred
// Remove (spec.md §4.6, "the server is a singleton per config dir").
func acquirePIDFile(mgr *lifecycle.PIDFileManager) error {
	err := mgr.Create(os.Getpid())
	if err == nil {
		return nil
	}
	if !errors.Is(err, lifecycle.ErrPIDFileExists) {
		return err
	}

	pid, readErr := mgr.Read()
	if readErr != nil {
		return err
	}
	if proc, findErr := os.FindProcess(pid); findErr == nil {
		if sigErr := proc.Signal(syscall.Signal(0)); sigErr == nil {
			return fmt.Errorf("server already running with pid %d", pid)
		}
	}
	if removeErr := mgr.Remove(); removeErr != nil {
		return err
	}
	return mgr.Create(os.Getpid())
}

// loadOrCreateSecret reads the HS256 signing secret for the Run WebSocket's
// bearer tokens from path, generating and persisting a fresh random one on
// first run.
func loadOrCreateSecret(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		return b, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}
