package docker

// Container holds the fields of a listed container.
type Container struct {
	ID    string
	Name  string
	Image string // image reference the container was created from
	State string // running, exited, created, paused, dead, ...
}

// ContainerInfo is the subset of an inspect response the managers rely on.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string // Config.Image, e.g. "ghcr.io/org/app:v1"
	Status    string // State.Status as reported by the engine
	StartedAt string // State.StartedAt, RFC 3339
}

// CreateSpec describes a container to create. Variants add environment
// and mounts before it is sent to the engine.
type CreateSpec struct {
	Image  string
	Env    []string // "KEY=VALUE"
	Labels map[string]string
	Mounts []Mount
}

// Mount is a bind mount from the host into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Image holds info about a locally stored image.
type Image struct {
	ID          string
	RepoTags    []string
	RepoDigests []string // "repo@sha256:..."
}

// PullProgress is a single progress message from an image pull.
type PullProgress struct {
	ID       string // layer ID, empty for global messages
	Status   string
	Progress string
}
