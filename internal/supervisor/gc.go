package supervisor

import (
	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// DockerGC stops and force-removes engine containers on behalf of the
// supervisor's GC sweep (spec.md §4.6), tolerating containers the engine
// already removed out from under it.
type DockerGC struct {
	api *client.Client
}

// NewDockerGC dials the Docker engine the same way pkg/platform.Container
// does (client.FromEnv, API version negotiation), optionally against a
// non-default docker_url.
func NewDockerGC(dockerURL string) (*DockerGC, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerURL != "" {
		opts = []client.Opt{client.WithHost(dockerURL), client.WithAPIVersionNegotiation()}
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &blderrors.IOError{Op: "create docker client", Cause: err}
	}
	return &DockerGC{api: api}, nil
}

// StopAndRemove implements supervisor.ContainerGC.
func (d *DockerGC) StopAndRemove(ctx context.Context, containerID string) error {
	if err := d.api.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return &blderrors.IOError{Op: "gc stop container", Path: containerID, Cause: err}
	}
	if err := d.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
		return &blderrors.IOError{Op: "gc remove container", Path: containerID, Cause: err}
	}
	return nil
}

func (d *DockerGC) Close() error { return d.api.Close() }
