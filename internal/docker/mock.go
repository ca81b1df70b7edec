package docker

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// Operation names accepted by MockClient.Calls, FailNext and OnCall.
const (
	OpContainerList    = "ContainerList"
	OpContainerInspect = "ContainerInspect"
	OpContainerCreate  = "ContainerCreate"
	OpContainerStart   = "ContainerStart"
	OpContainerStop    = "ContainerStop"
	OpContainerWait    = "ContainerWait"
	OpContainerRemove  = "ContainerRemove"
	OpImageList        = "ImageList"
	OpImagePull        = "ImagePull"
	OpCopyFile         = "CopyFileFromContainer"
	OpContainerLogs    = "ContainerLogs"
)

// MockClient implements Client as a pure in-memory engine for development
// environments without a real Docker daemon and for tests. Containers,
// images and log lines live in maps guarded by a single mutex.
type MockClient struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*mockContainer // keyed by ID
	images     map[string]Image          // keyed by "repo:tag"
	files      map[string][]byte         // path -> contents, shared by all containers
	calls      map[string]int
	failures   map[string][]error
	hooks      map[string]func()
}

type mockContainer struct {
	id        string
	name      string
	spec      CreateSpec
	status    string
	startedAt time.Time
	logs      []LogEntry
	followers map[*mockFollower]struct{}
}

// LogEntry is a single log line recorded by the mock engine.
type LogEntry struct {
	Time time.Time
	Text string
}

type mockFollower struct {
	lines chan string
	done  chan struct{}
	once  sync.Once
	pr    *io.PipeReader
	pw    *io.PipeWriter
}

func (f *mockFollower) close(err error) {
	f.once.Do(func() {
		close(f.done)
		f.pw.CloseWithError(err)
	})
}

func (f *mockFollower) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Close implements io.Closer for the reader handed to callers.
func (f *mockFollower) Close() error {
	f.close(io.EOF)
	return f.pr.Close()
}

func (f *mockFollower) Read(p []byte) (int, error) {
	return f.pr.Read(p)
}

// NewMockClient returns an empty in-memory engine.
func NewMockClient() *MockClient {
	return &MockClient{
		containers: make(map[string]*mockContainer),
		images:     make(map[string]Image),
		files:      make(map[string][]byte),
		calls:      make(map[string]int),
		failures:   make(map[string][]error),
		hooks:      make(map[string]func()),
	}
}

// AddImage registers a local image for ref ("repo:tag") with the given
// content digests ("sha256:...").
func (m *MockClient) AddImage(ref string, digests ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addImageLocked(ref, digests)
}

func (m *MockClient) addImageLocked(ref string, digests []string) {
	repo, _, _ := strings.Cut(ref, ":")
	img := Image{ID: "sha256:" + shortHash(ref), RepoTags: []string{ref}}
	for _, d := range digests {
		img.RepoDigests = append(img.RepoDigests, repo+"@"+d)
	}
	m.images[ref] = img
}

// RemoveImage deletes a local image.
func (m *MockClient) RemoveImage(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.images, ref)
}

// AddContainer registers an existing container and returns its ID.
func (m *MockClient) AddContainer(name, image, status string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.newContainerLocked(name, CreateSpec{Image: image})
	c.status = status
	if status == "running" {
		c.startedAt = time.Now().UTC()
	}
	return c.id
}

// SetFile makes path readable through CopyFileFromContainer in every container.
func (m *MockClient) SetFile(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
}

// SetStatus overrides the engine-reported status of a container, as if it
// had crashed or been changed outside of the client.
func (m *MockClient) SetStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.status = status
	}
}

// FailNext makes the next call of op return err. Queued errors are consumed
// in order.
func (m *MockClient) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// OnCall registers fn to run (without the mock lock held) every time op is
// invoked, before the operation takes effect.
func (m *MockClient) OnCall(op string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[op] = fn
}

// Calls returns how many times op has been invoked.
func (m *MockClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Spec returns the create spec a container was created with.
func (m *MockClient) Spec(id string) (CreateSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return CreateSpec{}, false
	}
	return c.spec, true
}

// EmitLog records a log line for the container at the current time and
// pushes it to every open log follower.
func (m *MockClient) EmitLog(id, text string) {
	m.EmitLogAt(id, time.Now().UTC(), text)
}

// EmitLogAt records a log line with an explicit timestamp.
func (m *MockClient) EmitLogAt(id string, ts time.Time, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		m.emitLocked(c, ts, text)
	}
}

// EmitRaw pushes an unformatted line to the followers of a container without
// recording it, to simulate output the engine could not timestamp.
func (m *MockClient) EmitRaw(id, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		for f := range c.followers {
			f.send(line)
		}
	}
}

// DropLogs cuts every open log stream of a container, as if the engine
// connection had failed.
func (m *MockClient) DropLogs(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		for f := range c.followers {
			f.close(io.ErrUnexpectedEOF)
			delete(c.followers, f)
		}
	}
}

// Followers returns the number of open log streams of a container.
func (m *MockClient) Followers(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return 0
	}
	for f := range c.followers {
		if f.closed() {
			delete(c.followers, f)
		}
	}
	return len(c.followers)
}

// begin counts the call, runs the hook and pops a queued failure.
func (m *MockClient) begin(op string) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hooks[op]
	var err error
	if q := m.failures[op]; len(q) > 0 {
		err = q[0]
		m.failures[op] = q[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (m *MockClient) newContainerLocked(name string, spec CreateSpec) *mockContainer {
	m.nextID++
	c := &mockContainer{
		id:        fmt.Sprintf("%012x", m.nextID) + shortHash(name)[:52],
		name:      name,
		spec:      spec,
		status:    "created",
		followers: make(map[*mockFollower]struct{}),
	}
	m.containers[c.id] = c
	return c
}

func (m *MockClient) emitLocked(c *mockContainer, ts time.Time, text string) {
	c.logs = append(c.logs, LogEntry{Time: ts, Text: text})
	line := ts.Format(time.RFC3339Nano) + " " + text
	for f := range c.followers {
		f.send(line)
	}
}

func (f *mockFollower) send(line string) {
	select {
	case f.lines <- line:
	case <-f.done:
	default:
		// Follower is not keeping up; the mock drops rather than blocks.
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("no such %s: %s: %w", kind, id, cerrdefs.ErrNotFound)
}

func (m *MockClient) ContainerList(ctx context.Context, name string) ([]Container, error) {
	if err := m.begin(OpContainerList); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Container
	for _, c := range m.containers {
		if c.name != name {
			continue
		}
		result = append(result, Container{ID: c.id, Name: c.name, Image: c.spec.Image, State: c.status})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MockClient) ContainerInspect(ctx context.Context, id string) (*ContainerInfo, error) {
	if err := m.begin(OpContainerInspect); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return nil, notFound("container", id)
	}
	info := &ContainerInfo{ID: c.id, Name: c.name, Image: c.spec.Image, Status: c.status}
	if !c.startedAt.IsZero() {
		info.StartedAt = c.startedAt.Format(time.RFC3339Nano)
	}
	return info, nil
}

func (m *MockClient) ContainerCreate(ctx context.Context, name string, spec CreateSpec) (string, error) {
	if err := m.begin(OpContainerCreate); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.images[spec.Image]; !ok {
		return "", notFound("image", spec.Image)
	}
	for _, c := range m.containers {
		if c.name == name {
			return "", fmt.Errorf("conflict: container name %q is already in use by %s", name, c.id)
		}
	}
	return m.newContainerLocked(name, spec).id, nil
}

func (m *MockClient) ContainerStart(ctx context.Context, id string) error {
	if err := m.begin(OpContainerStart); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return notFound("container", id)
	}
	if c.status == "running" {
		return nil
	}
	c.status = "running"
	c.startedAt = time.Now().UTC()
	m.emitLocked(c, c.startedAt, "container "+c.name+" started from "+c.spec.Image)
	return nil
}

func (m *MockClient) ContainerStop(ctx context.Context, id string) error {
	if err := m.begin(OpContainerStop); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return notFound("container", id)
	}
	if c.status == "running" || c.status == "paused" || c.status == "restarting" {
		m.emitLocked(c, time.Now().UTC(), "container "+c.name+" received stop signal")
		c.status = "exited"
	}
	return nil
}

func (m *MockClient) ContainerWait(ctx context.Context, id string) error {
	if err := m.begin(OpContainerWait); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[id]; !ok {
		return notFound("container", id)
	}
	return nil
}

func (m *MockClient) ContainerRemove(ctx context.Context, id string) error {
	if err := m.begin(OpContainerRemove); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return nil
	}
	for f := range c.followers {
		f.close(io.EOF)
	}
	delete(m.containers, id)
	return nil
}

func (m *MockClient) ImageList(ctx context.Context, ref string) ([]Image, error) {
	if err := m.begin(OpImageList); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[ref]
	if !ok {
		return nil, nil
	}
	return []Image{img}, nil
}

func (m *MockClient) ImagePull(ctx context.Context, ref string, onProgress func(PullProgress)) error {
	if err := m.begin(OpImagePull); err != nil {
		return err
	}
	if onProgress != nil {
		_, tag, _ := strings.Cut(ref, ":")
		onProgress(PullProgress{ID: tag, Status: "Pulling from " + ref})
		onProgress(PullProgress{ID: shortHash(ref)[:12], Status: "Download complete"})
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[ref]; !ok {
		m.addImageLocked(ref, []string{"sha256:" + shortHash("digest:"+ref)})
	}
	return nil
}

func (m *MockClient) CopyFileFromContainer(ctx context.Context, id, path string) ([]byte, error) {
	if err := m.begin(OpCopyFile); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[id]; !ok {
		return nil, notFound("container", id)
	}
	data, ok := m.files[path]
	if !ok {
		return nil, notFound("file", path)
	}
	return append([]byte(nil), data...), nil
}

func (m *MockClient) ContainerLogs(ctx context.Context, id string, since time.Time) (io.ReadCloser, error) {
	if err := m.begin(OpContainerLogs); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return nil, notFound("container", id)
	}

	pr, pw := io.Pipe()
	f := &mockFollower{
		lines: make(chan string, 1024),
		done:  make(chan struct{}),
		pr:    pr,
		pw:    pw,
	}

	// The engine only honours whole seconds for since.
	cutoff := since.Truncate(time.Second)
	for _, e := range c.logs {
		if !e.Time.Before(cutoff) {
			f.send(e.Time.Format(time.RFC3339Nano) + " " + e.Text)
		}
	}
	c.followers[f] = struct{}{}

	go func() {
		w := bufio.NewWriter(pw)
		for {
			select {
			case line := <-f.lines:
				w.WriteString(line)
				w.WriteByte('\n')
				// Flush whole lines only once the queue is drained.
				if len(f.lines) == 0 {
					if err := w.Flush(); err != nil {
						f.close(err)
						return
					}
				}
			case <-f.done:
				return
			case <-ctx.Done():
				f.close(ctx.Err())
				return
			}
		}
	}()

	return f, nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.containers {
		for f := range c.followers {
			f.close(io.EOF)
		}
	}
	return nil
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Ensure MockClient implements Client at compile time.
var _ Client = (*MockClient)(nil)
