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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *blderrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &blderrors.ValidationError{
				Field:      "inputs.greeting",
				Message:    "required input is missing",
				Suggestion: "declare it under inputs:",
			},
			wantMsg: "validation failed on inputs.greeting: required input is missing",
		},
		{
			name: "without field",
			err: &blderrors.ValidationError{
				Message: "invalid format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &blderrors.NotFoundError{Resource: "ssh_config", ID: "prod-box"}
	want := "ssh_config not found: prod-box"
	if got := err.Error(); got != want {
		t.Errorf("NotFoundError.Error() = %q, want %q", got, want)
	}
}

func TestTypeMismatch_Error(t *testing.T) {
	err := &blderrors.TypeMismatch{Op: ">", Left: "Text", Right: "Number"}
	got := err.Error()
	for _, want := range []string{">", "Text", "Number"} {
		if !strings.Contains(got, want) {
			t.Errorf("TypeMismatch.Error() = %q, want to contain %q", got, want)
		}
	}
}

func TestNameError_Error(t *testing.T) {
	err := &blderrors.NameError{Identifier: "inputs.missing"}
	want := "undeclared identifier: inputs.missing"
	if got := err.Error(); got != want {
		t.Errorf("NameError.Error() = %q, want %q", got, want)
	}
}

func TestExitNonZero_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *blderrors.ExitNonZero
		want string
	}{
		{"with step", &blderrors.ExitNonZero{Step: "build", Code: 7}, `step "build" exited with status 7`},
		{"without step", &blderrors.ExitNonZero{Code: 1}, "command exited with status 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("ExitNonZero.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCancelled_Error(t *testing.T) {
	err := &blderrors.Cancelled{Signal: "SIGTERM"}
	want := "run cancelled by SIGTERM"
	if got := err.Error(); got != want {
		t.Errorf("Cancelled.Error() = %q, want %q", got, want)
	}
}

func TestMultiValidationError(t *testing.T) {
	var multi blderrors.MultiValidationError
	if multi.HasErrors() {
		t.Fatal("fresh MultiValidationError should have no errors")
	}
	multi.Add(&blderrors.ValidationError{Field: "env.FOO", Message: "undeclared"})
	multi.Add(&blderrors.ValidationError{Field: "cron", Message: "invalid cron expression"})

	if !multi.HasErrors() {
		t.Fatal("expected HasErrors true after Add")
	}
	got := multi.Error()
	for _, want := range []string{"2 error(s)", "env.FOO", "cron"} {
		if !strings.Contains(got, want) {
			t.Errorf("MultiValidationError.Error() = %q, want to contain %q", got, want)
		}
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *blderrors.ConfigError
		wantMsg string
	}{
		{
			name:    "with key",
			err:     &blderrors.ConfigError{Key: "docker_url.default", Reason: "not configured"},
			wantMsg: "config error at docker_url.default: not configured",
		},
		{
			name:    "without key",
			err:     &blderrors.ConfigError{Reason: "file not found"},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &blderrors.ConfigError{Key: "config", Reason: "failed to load", Cause: cause}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &blderrors.TimeoutError{Operation: "workflow step execution", Duration: 2 * time.Minute}
	got := err.Error()
	for _, want := range []string{"workflow step execution", "2m0s"} {
		if !strings.Contains(got, want) {
			t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
		}
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &blderrors.TimeoutError{Operation: "test", Duration: 5 * time.Second, Cause: cause}

	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &blderrors.ValidationError{Field: "email", Message: "invalid format"}
		wrapped := fmt.Errorf("user input validation: %w", original)

		var target *blderrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "email" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "email")
		}
	})

	t.Run("IOError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("network timeout")
		ioErr := &blderrors.IOError{Op: "push", Path: "/tmp/artifact", Cause: rootCause}
		wrapped := fmt.Errorf("copying artifact: %w", ioErr)

		var target *blderrors.IOError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find IOError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("IOError.Unwrap() should return root cause")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &blderrors.ConfigError{Key: "root", Reason: "missing required field", Cause: rootCause}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *blderrors.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})
}

func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &blderrors.ValidationError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &blderrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
