package secrets

import (
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

const keyringService = "bld"

// Resolve turns a `<scheme>:<name>` reference (as named in a pipeline's
// `docker_url`/`registry`/`ssh_config`/`server` entries' secret_ref field)
// into its plaintext value. The only scheme the core core handles is
// `keyring:<name>`, looked up in the OS credential store under the "bld"
// service; an empty ref resolves to an empty string (no secret required).
func Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}

	scheme, name, ok := strings.Cut(ref, ":")
	if !ok || scheme != "keyring" {
		return "", fmt.Errorf("secrets: unsupported reference %q, expected \"keyring:<name>\"", ref)
	}

	val, err := keyring.Get(keyringService, name)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", &blderrors.NotFoundError{Resource: "keyring entry", ID: name}
		}
		return "", fmt.Errorf("secrets: keyring lookup for %q failed: %w", name, err)
	}
	return val, nil
}
