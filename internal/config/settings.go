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

package config

import (
	"errors"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// ErrLockTimeout is returned when a concurrent writer holds the settings
// file lock past the retry budget.
var ErrLockTimeout = errors.New("config: timed out waiting for settings file lock")

// SSHConfigEntry names a remote host under `runs_on: {ssh_config: <name>}`.
type SSHConfigEntry struct {
	Host           string `yaml:"host"`
	User           string `yaml:"user"`
	IdentityFile   string `yaml:"identity_file,omitempty"`
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`
	SecretRef      string `yaml:"secret_ref,omitempty"`
}

// RegistryEntry names a Docker registry referenced by `runs_on.registry`.
// SecretRef resolves to the registry password/token; Username authenticates
// alongside it when the registry requires one (spec.md §4.3).
type RegistryEntry struct {
	URL       string `yaml:"url"`
	Username  string `yaml:"username,omitempty"`
	SecretRef string `yaml:"secret_ref,omitempty"`
}

// ServerEntry names a remote bld server an `external` step may proxy to.
type ServerEntry struct {
	URL       string `yaml:"url"`
	SecretRef string `yaml:"secret_ref,omitempty"`
}

// Settings is the daemon/CLI's on-disk configuration (spec.md §6 +
// SPEC_FULL.md §10, scoped to bld's actual inputs rather than the
// teacher's LLM-provider surface).
type Settings struct {
	// Capacity bounds the supervisor's active worker set (spec.md §4.6).
	Capacity int `yaml:"capacity"`

	// Logs is the root directory run logs are written under
	// (<config.logs>/<run_id>, spec.md §6).
	Logs string `yaml:"logs"`

	// Root is the root directory per-run scratch dirs are created under
	// (<config.root>/<run_id>, spec.md §6).
	Root string `yaml:"root"`

	// BindAddr is the local socket/TCP address the Run and Worker
	// WebSocket endpoints listen on.
	BindAddr string `yaml:"bind_addr"`

	DockerURLs  map[string]string         `yaml:"docker_urls,omitempty"`
	Registries  map[string]RegistryEntry  `yaml:"registries,omitempty"`
	SSHConfigs  map[string]SSHConfigEntry `yaml:"ssh_configs,omitempty"`
	Servers     map[string]ServerEntry    `yaml:"servers,omitempty"`
	LocalActions map[string]string        `yaml:"local_actions,omitempty"`
}

// DefaultSettings returns a Settings with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Capacity: 4,
		Logs:     "logs",
		Root:     "runs",
		BindAddr: "127.0.0.1:8443",
	}
}

// HasSSHConfig implements pkg/pipeline.ConfigLookup.
func (s *Settings) HasSSHConfig(name string) bool {
	_, ok := s.SSHConfigs[name]
	return ok
}

// HasServer implements pkg/pipeline.ConfigLookup.
func (s *Settings) HasServer(name string) bool {
	_, ok := s.Servers[name]
	return ok
}

// HasLocalAction implements pkg/pipeline.ConfigLookup.
func (s *Settings) HasLocalAction(name string) bool {
	_, ok := s.LocalActions[name]
	return ok
}

// Load reads and parses the settings file at path, returning
// DefaultSettings if it does not yet exist.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return nil, &blderrors.IOError{Op: "read settings file", Path: path, Cause: err}
	}
	settings := DefaultSettings()
	if err := yaml.Unmarshal(raw, settings); err != nil {
		return nil, &blderrors.ParseError{Source: path, Reason: err.Error(), Cause: err}
	}
	return settings, nil
}

// Save writes settings to path under an advisory exclusive lock, so
// concurrent CLI invocations never interleave writes.
func Save(path string, settings *Settings) error {
	out, err := yaml.Marshal(settings)
	if err != nil {
		return &blderrors.IOError{Op: "marshal settings", Cause: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return &blderrors.IOError{Op: "open settings file", Path: path, Cause: err}
	}
	defer f.Close()

	if err := lockExclusive(f, 2*time.Second); err != nil {
		return err
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if _, err := f.Write(out); err != nil {
		return &blderrors.IOError{Op: "write settings file", Path: path, Cause: err}
	}
	return nil
}

func lockExclusive(f *os.File, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(20 * time.Millisecond)
	}
}
