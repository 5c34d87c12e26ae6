package platform

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// SSHSpec configures a dial to a remote host (spec.md §4.3). IdentityFile
// and Password, when set, come from a named `ssh_config` entry's
// `identity_file` path and its resolved `secret_ref` (a keychain-stored
// passphrase or password) respectively; when both are empty, auth falls
// back to default `~/.ssh` key discovery and `SSH_AUTH_SOCK`.
type SSHSpec struct {
	Host           string
	User           string
	Port           int
	KnownHostsPath string
	IdentityFile   string
	Password       string
}

type sshRequestKind int

const (
	sshRequestShell sshRequestKind = iota
	sshRequestPush
	sshRequestGet
	sshRequestDispose
)

type sshRequest struct {
	kind       sshRequestKind
	logger     *slog.Logger
	workingDir string
	command    string
	fromPath   string
	toPath     string
	reply      chan error
}

// SSH owns a single SSH session behind a dedicated goroutine: session
// objects are not share-safe, so every call is serialised through one
// request channel instead of being called concurrently (spec.md §4.3).
type SSH struct {
	id      string
	client  *ssh.Client
	reqs    chan sshRequest
	done    chan struct{}
}

// NewSSH dials spec and starts the owning goroutine.
func NewSSH(ctx context.Context, spec SSHSpec) (*SSH, error) {
	client, err := dialSSH(ctx, spec)
	if err != nil {
		return nil, err
	}
	s := &SSH{
		id:     newID(),
		client: client,
		reqs:   make(chan sshRequest),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *SSH) loop() {
	defer close(s.done)
	for req := range s.reqs {
		var err error
		switch req.kind {
		case sshRequestShell:
			err = s.runShell(req.logger, req.workingDir, req.command)
		case sshRequestPush:
			err = s.runPush(req.fromPath, req.toPath)
		case sshRequestGet:
			err = s.runGet(req.fromPath, req.toPath)
		case sshRequestDispose:
			err = s.client.Close()
		}
		req.reply <- err
		if req.kind == sshRequestDispose {
			return
		}
	}
}

func (s *SSH) send(req sshRequest) error {
	req.reply = make(chan error, 1)
	s.reqs <- req
	return <-req.reply
}

func (s *SSH) ID() string { return s.id }

func (s *SSH) Push(ctx context.Context, fromHostPath, toTargetPath string) error {
	return s.send(sshRequest{kind: sshRequestPush, fromPath: fromHostPath, toPath: toTargetPath})
}

func (s *SSH) Get(ctx context.Context, fromTargetPath, toHostPath string) error {
	return s.send(sshRequest{kind: sshRequestGet, fromPath: fromTargetPath, toPath: toHostPath})
}

func (s *SSH) Shell(ctx context.Context, logger *slog.Logger, workingDir, command string) error {
	return s.send(sshRequest{kind: sshRequestShell, logger: logger, workingDir: workingDir, command: command})
}

func (s *SSH) KeepAlive() {}

// Dispose always closes the session, even when called from a child
// runner: SSH platforms are never implicitly shared the way Machine
// scratch directories are (spec.md §9, "Dispose asymmetry").
func (s *SSH) Dispose(ctx context.Context, inChildRunner bool) error {
	err := s.send(sshRequest{kind: sshRequestDispose})
	close(s.reqs)
	return err
}

func (s *SSH) runShell(logger *slog.Logger, workingDir, command string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return &blderrors.IOError{Op: "open ssh session", Cause: err}
	}
	defer session.Close()

	cmd := command
	if workingDir != "" {
		cmd = fmt.Sprintf("cd %s && %s", shellQuote(workingDir), command)
	}

	var combined bytes.Buffer
	session.Stdout = &combined
	session.Stderr = &combined

	err = session.Run(cmd)
	streamBuffered(logger, combined.String(), "combined")
	if err != nil {
		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return &blderrors.ExitNonZero{Code: exitErr.ExitStatus()}
		}
		return &blderrors.IOError{Op: "run ssh command", Cause: err}
	}
	return nil
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *SSH) runPush(fromHostPath, toTargetPath string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return &blderrors.IOError{Op: "open ssh session", Cause: err}
	}
	defer session.Close()

	data, err := os.ReadFile(fromHostPath)
	if err != nil {
		return &blderrors.IOError{Op: "read source file", Path: fromHostPath, Cause: err}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return &blderrors.IOError{Op: "open scp stdin", Cause: err}
	}

	errCh := make(chan error, 1)
	go func() {
		defer stdin.Close()
		header := fmt.Sprintf("C0644 %d %s\n", len(data), filepath.Base(toTargetPath))
		if _, err := stdin.Write([]byte(header)); err != nil {
			errCh <- err
			return
		}
		if _, err := stdin.Write(data); err != nil {
			errCh <- err
			return
		}
		_, err := stdin.Write([]byte{0})
		errCh <- err
	}()

	if err := session.Run("scp -t " + shellQuote(filepath.Dir(toTargetPath))); err != nil {
		return &blderrors.IOError{Op: "scp upload", Path: toTargetPath, Cause: err}
	}
	if err := <-errCh; err != nil {
		return &blderrors.IOError{Op: "scp upload", Path: toTargetPath, Cause: err}
	}
	return nil
}

func (s *SSH) runGet(fromTargetPath, toHostPath string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return &blderrors.IOError{Op: "open ssh session", Cause: err}
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run("cat " + shellQuote(fromTargetPath)); err != nil {
		return &blderrors.IOError{Op: "scp download", Path: fromTargetPath, Cause: err}
	}
	if err := os.MkdirAll(parentDir(toHostPath), 0o755); err != nil {
		return &blderrors.IOError{Op: "create destination directory", Path: toHostPath, Cause: err}
	}
	if err := os.WriteFile(toHostPath, out.Bytes(), 0o644); err != nil {
		return &blderrors.IOError{Op: "write destination file", Path: toHostPath, Cause: err}
	}
	return nil
}

func dialSSH(ctx context.Context, spec SSHSpec) (*ssh.Client, error) {
	port := spec.Port
	if port <= 0 {
		port = 22
	}
	methods, err := resolveAuthMethods(spec)
	if err != nil {
		return nil, &blderrors.AuthError{Target: spec.Host, Reason: err.Error()}
	}
	hostKeyCallback, err := buildHostKeyCallback(spec.KnownHostsPath)
	if err != nil {
		return nil, &blderrors.IOError{Op: "build known_hosts callback", Path: spec.KnownHostsPath, Cause: err}
	}

	config := &ssh.ClientConfig{
		User:            spec.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(spec.Host, fmt.Sprintf("%d", port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &blderrors.IOError{Op: "dial ssh", Path: addr, Cause: err}
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, &blderrors.AuthError{Target: addr, Reason: err.Error()}
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// resolveAuthMethods prefers a named `ssh_config` entry's explicit
// identity file/password over default discovery: a configured
// IdentityFile is parsed directly (using Password as its passphrase if
// it's encrypted), and a configured Password with no identity file is
// used as password auth. Only when neither is set does it fall back to
// scanning `~/.ssh` for default keys and dialing `SSH_AUTH_SOCK`.
func resolveAuthMethods(spec SSHSpec) ([]ssh.AuthMethod, error) {
	if spec.IdentityFile != "" {
		raw, err := os.ReadFile(spec.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file %q: %w", spec.IdentityFile, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			if spec.Password == "" {
				return nil, fmt.Errorf("parse identity file %q: %w", spec.IdentityFile, err)
			}
			signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(spec.Password))
			if err != nil {
				return nil, fmt.Errorf("parse identity file %q with passphrase: %w", spec.IdentityFile, err)
			}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if spec.Password != "" {
		return []ssh.AuthMethod{ssh.Password(spec.Password)}, nil
	}

	var methods []ssh.AuthMethod
	home, err := os.UserHomeDir()
	if err == nil {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			raw, err := os.ReadFile(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			signer, err := ssh.ParsePrivateKey(raw)
			if err != nil {
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, err
			}
			defer conn.Close()
			return agent.NewClient(conn).Signers()
		}))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh auth methods available: no local private key and SSH_AUTH_SOCK is unset")
	}
	return methods, nil
}

func buildHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".bld", "known_hosts")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, err
		}
	}
	return knownhosts.New(path)
}
