// Package container manages the lifecycle, state and logs of single named
// Docker containers.
package container

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/openmower/openmower-backend/internal/docker"
	"github.com/openmower/openmower-backend/internal/update"
)

// Keys in a manager's configuration namespace.
const (
	KeyImage           = "image"
	KeyImageTag        = "image-tag"
	KeyUpdateAvailable = "update-available"
	KeyAppConfig       = "app-config"
)

// ManagedByLabel marks containers created by this backend.
const ManagedByLabel = "de.openmower.backend.managed"

// Namespace is the configuration store of one manager. Failures are
// handled by the implementation and reported as absent values.
type Namespace interface {
	Get(key string, dst any) bool
	GetRaw(key string) json.RawMessage
	Set(key string, v any) bool
	SetRaw(key string, raw json.RawMessage) bool
	GetString(key, def string) string
	GetBool(key string, def bool) bool
}

// Variant customizes a manager for one kind of container.
type Variant interface {
	// Configure augments the create request from the current settings.
	Configure(spec *docker.CreateSpec)
	// OnCreated runs after the container was created or discovered.
	OnCreated(ctx context.Context, rt docker.Client, id string)
	// OnDestroyed runs after the container was removed.
	OnDestroyed()
	CustomProperty(key string) string
	AppProperties() map[string]string
	SettingsSchema() string
}

// SelfHosted is implemented by variants whose container runs this process.
// Start and Stop become no-ops and a successful pull stops the container so
// the external supervisor relaunches it with the new image.
type SelfHosted interface {
	SelfHosted() bool
}

// SettingsApplier is implemented by variants whose container must be
// recreated for saved settings to take effect.
type SettingsApplier interface {
	ApplyOnSave() bool
}

// Options configures a Manager.
type Options struct {
	Name           string // container name
	DefaultImage   string // "image:tag"
	Runtime        docker.Client
	Config         Namespace
	Variant        Variant
	Updates        update.Checker // nil disables update checks
	InstallationID string
}

// Manager owns one named container. Lifecycle operations are serialized by
// a single mutex; the *Locked helpers expect it to be held.
type Manager struct {
	name         string
	defaultImage string
	defaultTag   string
	rt           docker.Client
	ns           Namespace
	variant      Variant
	updates      update.Checker
	installID    string
	log          *slog.Logger

	mu       sync.Mutex
	id       string       // empty when no container exists
	attached atomic.Value // string copy of id, readable without mu

	states *Broadcaster[ContainerState]
	logs   *LogStream
}

func NewManager(opts Options) *Manager {
	image, tag := splitDefaultImage(opts.DefaultImage)
	logger := slog.With("container", opts.Name)
	m := &Manager{
		name:         opts.Name,
		defaultImage: image,
		defaultTag:   tag,
		rt:           opts.Runtime,
		ns:           opts.Config,
		variant:      opts.Variant,
		updates:      opts.Updates,
		installID:    opts.InstallationID,
		log:          logger,
		states:       NewBroadcaster[ContainerState](true),
		logs:         newLogStream(opts.Runtime, logger),
	}
	m.attached.Store("")
	return m
}

func (m *Manager) Name() string { return m.name }

// Discover attaches to an existing container with the manager's name and
// publishes its state.
func (m *Manager) Discover(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverLocked(ctx)
}

// State returns the current snapshot.
func (m *Manager) State() ContainerState {
	if st, ok := m.states.Value(); ok {
		return st
	}
	return m.defaultState(StateUnknown)
}

// Subscribe returns a feed of state snapshots starting with the current one.
func (m *Manager) Subscribe() (<-chan ContainerState, func()) {
	return m.states.Subscribe()
}

// Tick refreshes the state and reopens a dropped log stream.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	st := m.refreshLocked(ctx)
	m.mu.Unlock()
	m.logs.Reconcile(m.currentID(), st.ExecutionState)
}

// Refresh re-reads the container state from the engine.
func (m *Manager) Refresh(ctx context.Context) ContainerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

// ConfiguredImage returns the image and tag used for new containers.
func (m *Manager) ConfiguredImage() (string, string) {
	return m.ns.GetString(KeyImage, m.defaultImage), m.ns.GetString(KeyImageTag, m.defaultTag)
}

// SetConfiguredImage stores the image and tag used for new containers. A
// running container is not restarted.
func (m *Manager) SetConfiguredImage(image, tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := m.ns.Set(KeyImage, image) && m.ns.Set(KeyImageTag, tag)

	st := m.State()
	st.ConfiguredImage, st.ConfiguredImageTag = m.ConfiguredImage()
	st.AppProperties = maps.Clone(st.AppProperties)
	m.states.Publish(st)
	return ok
}

func (m *Manager) configuredRef() string {
	image, tag := m.ConfiguredImage()
	return image + ":" + tag
}

// UpdateAvailable reports the result of the last update check.
func (m *Manager) UpdateAvailable() bool {
	return m.ns.GetBool(KeyUpdateAvailable, false)
}

// Settings returns the stored settings document, or an empty object.
func (m *Manager) Settings() json.RawMessage {
	if raw := m.ns.GetRaw(KeyAppConfig); raw != nil {
		return raw
	}
	return json.RawMessage(`{}`)
}

// SettingsSchema returns the JSON Schema describing the settings document.
func (m *Manager) SettingsSchema() string {
	return m.variant.SettingsSchema()
}

// CustomProperty returns a derived fact about the container.
func (m *Manager) CustomProperty(key string) string {
	return m.variant.CustomProperty(key)
}

// JoinLogs starts following the container output. It returns the buffered
// lines and a feed of the lines accepted after them.
func (m *Manager) JoinLogs() ([]LogLine, <-chan LogLine, func()) {
	return m.logs.Join(m.currentID())
}

// StopLogs closes the log stream and stops reconnecting it.
func (m *Manager) StopLogs() {
	m.logs.Stop()
}

// LogStream exposes the manager's log follower.
func (m *Manager) LogStream() *LogStream {
	return m.logs
}

func (m *Manager) selfHosted() bool {
	sh, ok := m.variant.(SelfHosted)
	return ok && sh.SelfHosted()
}

func (m *Manager) setID(id string) {
	m.id = id
	m.attached.Store(id)
}

func (m *Manager) currentID() string {
	return m.attached.Load().(string)
}

func (m *Manager) appProperties() map[string]string {
	return maps.Clone(m.variant.AppProperties())
}

func (m *Manager) defaultState(e ExecutionState) ContainerState {
	image, tag := m.ConfiguredImage()
	return ContainerState{
		ExecutionState:     e,
		RunningImage:       imageNone,
		RunningImageTag:    imageNone,
		ConfiguredImage:    image,
		ConfiguredImageTag: tag,
		AppProperties:      m.appProperties(),
	}
}

func (m *Manager) discoverLocked(ctx context.Context) {
	m.log.Info("looking for container")
	list, err := m.rt.ContainerList(ctx, m.name)
	if err != nil {
		m.log.Error("list containers", "err", err)
	}
	if len(list) > 0 {
		m.log.Info("container found", "id", list[0].ID)
		m.setID(list[0].ID)
		m.variant.OnCreated(ctx, m.rt, list[0].ID)
	} else {
		m.log.Info("container not found")
	}
	m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) ContainerState {
	if m.id == "" {
		st := m.defaultState(StateNoContainer)
		m.states.Publish(st)
		return st
	}

	info, err := m.rt.ContainerInspect(ctx, m.id)
	if err != nil {
		m.log.Error("inspect container", "err", err)
		st := m.defaultState(StateError)
		m.states.Publish(st)
		return st
	}

	image, tag := splitImageRef(info.Image)
	configuredImage, configuredTag := m.ConfiguredImage()
	st := ContainerState{
		ExecutionState:     ParseExecutionState(info.Status),
		RunningImage:       image,
		RunningImageTag:    tag,
		ConfiguredImage:    configuredImage,
		ConfiguredImageTag: configuredTag,
		AppProperties:      m.appProperties(),
	}
	if st.ExecutionState == StateRunning {
		st.StartedAt = info.StartedAt
	}
	m.states.Publish(st)
	return st
}

// forceStateLocked republishes the current snapshot with only the execution
// state replaced, for phases the engine cannot report.
func (m *Manager) forceStateLocked(e ExecutionState) {
	st, ok := m.states.Value()
	if !ok {
		st = m.defaultState(e)
	}
	m.states.Publish(st.with(e))
}
