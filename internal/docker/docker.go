package docker

import (
	"context"
	"io"
	"time"
)

// Client abstracts the Docker engine operations needed to manage a single
// named container: discovery, lifecycle, image handling and log following.
type Client interface {
	// ContainerList returns all containers (running or not) whose name is
	// exactly name. At most one is expected.
	ContainerList(ctx context.Context, name string) ([]Container, error)

	// ContainerInspect returns the current runtime view of a container.
	ContainerInspect(ctx context.Context, id string) (*ContainerInfo, error)

	// ContainerCreate creates a container with the given name from spec and
	// returns its ID.
	ContainerCreate(ctx context.Context, name string, spec CreateSpec) (string, error)

	// ContainerStart starts a created container.
	ContainerStart(ctx context.Context, id string) error

	// ContainerStop asks the engine to stop a running container.
	ContainerStop(ctx context.Context, id string) error

	// ContainerWait blocks until the container is no longer running.
	ContainerWait(ctx context.Context, id string) error

	// ContainerRemove force-removes a container. Removing a container that
	// no longer exists is not an error.
	ContainerRemove(ctx context.Context, id string) error

	// ImageList returns local images matching the image reference ("repo:tag").
	ImageList(ctx context.Context, ref string) ([]Image, error)

	// ImagePull pulls the image reference and blocks until the pull has
	// completed, failed, or the connection was cut. onProgress may be nil.
	ImagePull(ctx context.Context, ref string, onProgress func(PullProgress)) error

	// CopyFileFromContainer returns the contents of a single file inside
	// the container.
	CopyFileFromContainer(ctx context.Context, id, path string) ([]byte, error)

	// ContainerLogs opens a following log stream of combined stdout/stderr
	// starting at since. Every line is prefixed with an RFC 3339 timestamp
	// and a single space. The caller must close the returned ReadCloser.
	ContainerLogs(ctx context.Context, id string, since time.Time) (io.ReadCloser, error)

	// Close releases any resources held by the client.
	Close() error
}

// NewClient creates a Docker client. If mock is true, returns an in-memory
// MockClient (no Docker daemon needed). Otherwise returns an SDKClient
// connected to host, or to DOCKER_HOST when host is empty.
func NewClient(mock bool, host string) (Client, error) {
	if mock {
		return NewMockClient(), nil
	}
	if host != "" {
		return NewSDKClientWithHost(host)
	}
	return NewSDKClient()
}
