package platform

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// ContainerSource discriminates how a Container platform acquires its
// image before running (spec.md §4.3: Use(existing)/Pull(name)/
// Build{name,tag,dockerfile}).
type ContainerSource int

const (
	ContainerUse ContainerSource = iota
	ContainerPull
	ContainerBuild
)

// ContainerSpec configures a Container platform build.
type ContainerSpec struct {
	Source     ContainerSource
	Image      string
	Registry   string
	BuildName  string
	BuildTag   string
	Dockerfile string
	DockerURL  string

	// RegistryUsername/RegistryPassword, when set, come from a named
	// `registry` config entry's resolved `secret_ref` and authenticate
	// the pull against a private registry (spec.md §4.3).
	RegistryUsername string
	RegistryPassword string
}

// Container runs shell commands inside a Docker container via the
// Engine API (spec.md §4.3), grounded on the Aureuma-si docker client's
// Exec/CopyFileToContainer/Logs shape.
type Container struct {
	id          string
	api         *client.Client
	containerID string

	mu        sync.Mutex
	keepAlive bool
	faulted   bool
	disposed  bool
}

// NewContainer acquires an image per spec and starts a detached
// container ready to receive exec calls.
func NewContainer(ctx context.Context, spec ContainerSpec) (*Container, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if spec.DockerURL != "" {
		opts = []client.Opt{client.WithHost(spec.DockerURL), client.WithAPIVersionNegotiation()}
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &blderrors.IOError{Op: "create docker client", Cause: err}
	}

	image, err := resolveImage(ctx, api, spec)
	if err != nil {
		api.Close()
		return nil, err
	}

	resp, err := api.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		api.Close()
		return nil, &blderrors.IOError{Op: "create container", Path: image, Cause: err}
	}
	if err := api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		api.Close()
		return nil, &blderrors.IOError{Op: "start container", Path: resp.ID, Cause: err}
	}

	return &Container{id: newID(), api: api, containerID: resp.ID}, nil
}

func resolveImage(ctx context.Context, api *client.Client, spec ContainerSpec) (string, error) {
	switch spec.Source {
	case ContainerBuild:
		tag := spec.BuildName + ":" + spec.BuildTag
		if err := buildImage(ctx, api, spec.Dockerfile, tag); err != nil {
			return "", err
		}
		return tag, nil
	case ContainerPull:
		ref := spec.Image
		if spec.Registry != "" {
			ref = spec.Registry + "/" + spec.Image
		}
		pullOpts := types.ImagePullOptions{}
		if spec.RegistryUsername != "" || spec.RegistryPassword != "" {
			authJSON, err := json.Marshal(registry.AuthConfig{
				Username:      spec.RegistryUsername,
				Password:      spec.RegistryPassword,
				ServerAddress: spec.Registry,
			})
			if err != nil {
				return "", &blderrors.IOError{Op: "encode registry auth", Path: ref, Cause: err}
			}
			pullOpts.RegistryAuth = base64.URLEncoding.EncodeToString(authJSON)
		}
		reader, err := api.ImagePull(ctx, ref, pullOpts)
		if err != nil {
			return "", &blderrors.IOError{Op: "pull image", Path: ref, Cause: err}
		}
		defer reader.Close()
		_, _ = bufio.NewReader(reader).ReadString(0)
		return ref, nil
	default:
		return spec.Image, nil
	}
}

func buildImage(ctx context.Context, api *client.Client, dockerfilePath, tag string) error {
	dockerfile, err := os.ReadFile(dockerfilePath)
	if err != nil {
		return &blderrors.IOError{Op: "read dockerfile", Path: dockerfilePath, Cause: err}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "Dockerfile", Mode: 0o644, Size: int64(len(dockerfile))}
	if err := tw.WriteHeader(hdr); err != nil {
		return &blderrors.IOError{Op: "tar dockerfile", Cause: err}
	}
	if _, err := tw.Write(dockerfile); err != nil {
		return &blderrors.IOError{Op: "tar dockerfile", Cause: err}
	}
	if err := tw.Close(); err != nil {
		return &blderrors.IOError{Op: "tar dockerfile", Cause: err}
	}

	resp, err := api.ImageBuild(ctx, &buf, types.ImageBuildOptions{Tags: []string{tag}, Remove: true})
	if err != nil {
		return &blderrors.IOError{Op: "build image", Path: tag, Cause: err}
	}
	defer resp.Body.Close()
	_, _ = bufio.NewReader(resp.Body).ReadString(0)
	return nil
}

func (c *Container) ID() string { return c.id }

func (c *Container) Push(ctx context.Context, fromHostPath, toTargetPath string) error {
	data, err := os.ReadFile(fromHostPath)
	if err != nil {
		return &blderrors.IOError{Op: "read source file", Path: fromHostPath, Cause: err}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	name := toTargetPath
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			name = name[i+1:]
			break
		}
	}
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: time.Now()}
	if err := tw.WriteHeader(hdr); err != nil {
		return &blderrors.IOError{Op: "tar file", Cause: err}
	}
	if _, err := tw.Write(data); err != nil {
		return &blderrors.IOError{Op: "tar file", Cause: err}
	}
	if err := tw.Close(); err != nil {
		return &blderrors.IOError{Op: "tar file", Cause: err}
	}

	destDir := parentDir(toTargetPath)
	if err := c.api.CopyToContainer(ctx, c.containerID, destDir, &buf, types.CopyToContainerOptions{AllowOverwriteDirWithFile: true}); err != nil {
		return &blderrors.IOError{Op: "copy to container", Path: toTargetPath, Cause: err}
	}
	return nil
}

func (c *Container) Get(ctx context.Context, fromTargetPath, toHostPath string) error {
	reader, _, err := c.api.CopyFromContainer(ctx, c.containerID, fromTargetPath)
	if err != nil {
		return &blderrors.IOError{Op: "copy from container", Path: fromTargetPath, Cause: err}
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return &blderrors.IOError{Op: "read container archive", Path: fromTargetPath, Cause: err}
	}
	if err := os.MkdirAll(parentDir(toHostPath), 0o755); err != nil {
		return &blderrors.IOError{Op: "create destination directory", Path: toHostPath, Cause: err}
	}
	dst, err := os.Create(toHostPath)
	if err != nil {
		return &blderrors.IOError{Op: "create destination file", Path: toHostPath, Cause: err}
	}
	defer dst.Close()
	if _, err := dst.ReadFrom(tr); err != nil {
		return &blderrors.IOError{Op: "write destination file", Path: toHostPath, Cause: err}
	}
	return nil
}

// Shell runs command via an exec instance attached to stdout/stderr
// (spec.md §4.3).
func (c *Container) Shell(ctx context.Context, logger *slog.Logger, workingDir, command string) error {
	execResp, err := c.api.ContainerExecCreate(ctx, c.containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   workingDir,
	})
	if err != nil {
		return &blderrors.IOError{Op: "create exec", Cause: err}
	}

	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return &blderrors.IOError{Op: "attach exec", Cause: err}
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return &blderrors.IOError{Op: "read exec output", Cause: err}
	}
	streamBuffered(logger, stdout.String(), "stdout")
	streamBuffered(logger, stderr.String(), "stderr")

	inspect, err := c.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return &blderrors.IOError{Op: "inspect exec", Cause: err}
	}
	if inspect.ExitCode != 0 {
		return &blderrors.ExitNonZero{Code: inspect.ExitCode}
	}
	return nil
}

func streamBuffered(logger *slog.Logger, text, stream string) {
	if logger == nil || text == "" {
		return
	}
	scanner := bufio.NewScanner(bytes.NewBufferString(text))
	for scanner.Scan() {
		logger.Info(scanner.Text(), "stream", stream)
	}
}

// KeepAlive sets the flag that IsKeepAlive reports. It does not update any
// container record in the store.
func (c *Container) KeepAlive() {
	c.mu.Lock()
	c.keepAlive = true
	c.mu.Unlock()
}

// IsKeepAlive reports whether KeepAlive has been called.
func (c *Container) IsKeepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive
}

// IsFaulted reports whether a mid-dispose error left this container in
// an unrecoverable state (spec.md §4.3).
func (c *Container) IsFaulted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faulted
}

// Dispose always stops then removes the container, regardless of
// inChildRunner (spec.md §4.3, §9 "Dispose asymmetry"). A stop or remove
// error marks this Container faulted (see IsFaulted); no container record
// in the store is updated.
func (c *Container) Dispose(ctx context.Context, inChildRunner bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil
	}
	c.disposed = true

	stopErr := c.api.ContainerStop(ctx, c.containerID, container.StopOptions{})
	removeErr := c.api.ContainerRemove(ctx, c.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	closeErr := c.api.Close()

	if stopErr != nil || removeErr != nil {
		c.faulted = true
		return &blderrors.IOError{Op: "dispose container", Path: c.containerID, Cause: firstNonNil(stopErr, removeErr, closeErr)}
	}
	return nil
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("unknown dispose error")
}
