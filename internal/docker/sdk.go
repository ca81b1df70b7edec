package docker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// maxCopyFileSize bounds CopyFileFromContainer reads.
const maxCopyFileSize = 1 << 20

// SDKClient implements Client using the Docker Engine SDK.
type SDKClient struct {
	cli *client.Client
}

// NewSDKClient creates an SDKClient that connects to the Docker daemon
// via the default socket (DOCKER_HOST or /var/run/docker.sock).
func NewSDKClient() (*SDKClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk: %w", err)
	}
	return &SDKClient{cli: cli}, nil
}

// NewSDKClientWithHost creates an SDKClient connected to a specific Docker host.
// The host parameter should be a full URI like "unix:///path/to/docker.sock".
func NewSDKClientWithHost(host string) (*SDKClient, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk with host: %w", err)
	}
	return &SDKClient{cli: cli}, nil
}

func (s *SDKClient) ContainerList(ctx context.Context, name string) ([]Container, error) {
	raw, err := s.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		// The engine matches name filters as a regular expression against
		// "/<name>", so anchor it for an exact match.
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	result := make([]Container, 0, len(raw))
	for _, c := range raw {
		cname := ""
		if len(c.Names) > 0 {
			cname = strings.TrimPrefix(c.Names[0], "/")
		}
		if cname != name {
			continue
		}
		result = append(result, Container{
			ID:    c.ID,
			Name:  cname,
			Image: c.Image,
			State: string(c.State),
		})
	}
	return result, nil
}

func (s *SDKClient) ContainerInspect(ctx context.Context, id string) (*ContainerInfo, error) {
	raw, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("container inspect: %w", err)
	}

	info := &ContainerInfo{
		ID:   raw.ID,
		Name: strings.TrimPrefix(raw.Name, "/"),
	}
	if raw.Config != nil {
		info.Image = raw.Config.Image
	}
	if raw.State != nil {
		info.Status = string(raw.State.Status)
		info.StartedAt = raw.State.StartedAt
	}
	return info, nil
}

func (s *SDKClient) ContainerCreate(ctx context.Context, name string, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{}

	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

func (s *SDKClient) ContainerStart(ctx context.Context, id string) error {
	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (s *SDKClient) ContainerStop(ctx context.Context, id string) error {
	if err := s.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

func (s *SDKClient) ContainerWait(ctx context.Context, id string) error {
	statusCh, errCh := s.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-statusCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return fmt.Errorf("container wait: %s", resp.Error.Message)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("container wait: %w", err)
	}
}

func (s *SDKClient) ContainerRemove(ctx context.Context, id string) error {
	err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (s *SDKClient) ImageList(ctx context.Context, ref string) ([]Image, error) {
	imgs, err := s.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return nil, fmt.Errorf("image list: %w", err)
	}

	result := make([]Image, 0, len(imgs))
	for _, img := range imgs {
		result = append(result, Image{
			ID:          img.ID,
			RepoTags:    img.RepoTags,
			RepoDigests: img.RepoDigests,
		})
	}
	return result, nil
}

func (s *SDKClient) ImagePull(ctx context.Context, ref string, onProgress func(PullProgress)) error {
	stream, err := s.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer stream.Close()

	// The pull only completes once the engine closes the progress stream.
	// An error message in the stream or a cut connection fails the pull.
	dec := json.NewDecoder(stream)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("image pull: read progress: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("image pull: %w", msg.Error)
		}
		if onProgress != nil {
			p := PullProgress{ID: msg.ID, Status: msg.Status}
			if msg.Progress != nil {
				p.Progress = msg.Progress.String()
			}
			onProgress(p)
		}
	}
}

func (s *SDKClient) CopyFileFromContainer(ctx context.Context, id, path string) ([]byte, error) {
	rc, _, err := s.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer rc.Close()

	// The engine wraps the file in a tar archive with a single entry.
	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("copy from container: read archive: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(tr, maxCopyFileSize))
	if err != nil {
		return nil, fmt.Errorf("copy from container: read file: %w", err)
	}
	return data, nil
}

func (s *SDKClient) ContainerLogs(ctx context.Context, id string, since time.Time) (io.ReadCloser, error) {
	// Check if container uses TTY
	inspect, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect for logs: %w", err)
	}
	isTTY := inspect.Config != nil && inspect.Config.Tty

	stream, err := s.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
		Since:      strconv.FormatInt(since.Unix(), 10),
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}

	if isTTY {
		// TTY containers: raw stream, no multiplexing
		return stream, nil
	}

	// Non-TTY containers: Docker multiplexes stdout/stderr with 8-byte headers.
	// Demux using stdcopy into a pipe.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, stream)
		stream.Close()
		pw.CloseWithError(err)
	}()

	return &demuxedLogs{PipeReader: pr, stream: stream}, nil
}

func (s *SDKClient) Close() error {
	return s.cli.Close()
}

// demuxedLogs closes the underlying engine stream along with the pipe so a
// caller closing the reader also unblocks the demux goroutine.
type demuxedLogs struct {
	*io.PipeReader
	stream io.Closer
}

func (d *demuxedLogs) Close() error {
	d.stream.Close()
	return d.PipeReader.Close()
}

// Ensure SDKClient implements Client at compile time.
var _ Client = (*SDKClient)(nil)
