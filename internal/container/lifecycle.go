package container

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openmower/openmower-backend/internal/docker"
)

// ErrInvalidSettings is returned by SaveSettings for documents that are not
// JSON objects.
var ErrInvalidSettings = errors.New("settings must be a JSON object")

// Start makes sure the container exists and runs. It reports false when the
// image could not be pulled or the container could not be created or
// started; the published state is error in that case.
func (m *Manager) Start(ctx context.Context) bool {
	if m.selfHosted() {
		return true
	}
	m.mu.Lock()
	ok := m.startLocked(ctx)
	m.mu.Unlock()

	if ok {
		m.logs.Reconcile(m.currentID(), StateRunning)
	}
	return ok
}

// Stop stops and removes the container.
func (m *Manager) Stop(ctx context.Context) {
	if m.selfHosted() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(ctx)
}

// PullImage pulls the configured image, replacing an existing container.
// For self-hosted variants a successful pull stops the container.
func (m *Manager) PullImage(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := m.pullLocked(ctx)
	if ok && m.selfHosted() {
		m.log.Info("stopping self-hosted container to apply update")
		m.stopLocked(ctx)
	}
	return ok
}

// SaveSettings stores the settings document. Variants implementing
// SettingsApplier get their existing container recreated.
func (m *Manager) SaveSettings(ctx context.Context, doc json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil || obj == nil {
		return ErrInvalidSettings
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ns.SetRaw(KeyAppConfig, doc) {
		return errors.New("settings could not be stored")
	}
	if a, ok := m.variant.(SettingsApplier); ok && a.ApplyOnSave() && m.id != "" {
		m.log.Info("restarting container to apply settings")
		m.stopLocked(ctx)
		m.startLocked(ctx)
	}
	return nil
}

func (m *Manager) startLocked(ctx context.Context) bool {
	if m.id != "" {
		if st := m.refreshLocked(ctx); st.ExecutionState == StateRunning {
			return true
		}
		m.stopLocked(ctx)
	}

	if !m.ensureCreatedLocked(ctx) {
		return false
	}

	m.forceStateLocked(StateStarting)
	m.log.Info("starting container")
	if err := m.rt.ContainerStart(ctx, m.id); err != nil {
		m.log.Error("start container", "err", err)
		m.forceStateLocked(StateError)
		return false
	}
	m.log.Info("container started")
	m.refreshLocked(ctx)
	return true
}

func (m *Manager) stopLocked(ctx context.Context) {
	if m.id == "" {
		return
	}
	id := m.id

	if st := m.refreshLocked(ctx); st.ExecutionState == StateRunning {
		m.forceStateLocked(StateStopping)
		m.log.Info("stopping container")
		if err := m.rt.ContainerStop(ctx, id); err != nil {
			m.log.Error("stop container", "err", err)
		} else if err := m.rt.ContainerWait(ctx, id); err != nil {
			m.log.Error("wait for container", "err", err)
		}
	}

	m.log.Info("removing container")
	if err := m.rt.ContainerRemove(ctx, id); err != nil {
		m.log.Error("remove container", "err", err)
	} else {
		m.setID("")
		m.variant.OnDestroyed()
	}
	m.refreshLocked(ctx)
}

func (m *Manager) ensureCreatedLocked(ctx context.Context) bool {
	if m.id != "" {
		return true
	}

	ref := m.configuredRef()
	images, err := m.rt.ImageList(ctx, ref)
	if err != nil {
		m.log.Error("list images", "image", ref, "err", err)
		m.forceStateLocked(StateError)
		return false
	}
	if len(images) == 0 && !m.pullLocked(ctx) {
		return false
	}

	spec := docker.CreateSpec{
		Image:  ref,
		Labels: map[string]string{ManagedByLabel: "true"},
	}
	m.variant.Configure(&spec)

	id, err := m.rt.ContainerCreate(ctx, m.name, spec)
	if err != nil {
		m.log.Error("create container", "image", ref, "err", err)
		m.forceStateLocked(StateError)
		return false
	}
	m.log.Info("container created", "id", id, "image", ref)
	m.setID(id)
	m.variant.OnCreated(ctx, m.rt, id)
	m.refreshLocked(ctx)
	return true
}

func (m *Manager) pullLocked(ctx context.Context) bool {
	if m.id != "" && !m.selfHosted() {
		m.stopLocked(ctx)
	}

	m.ns.Set(KeyUpdateAvailable, false)
	m.forceStateLocked(StatePulling)

	ref := m.configuredRef()
	m.log.Info("pulling image", "image", ref)
	err := m.rt.ImagePull(ctx, ref, func(p docker.PullProgress) {
		m.log.Debug("pull progress", "image", ref, "layer", p.ID, "status", p.Status, "progress", p.Progress)
	})
	if err != nil {
		m.log.Error("pull image", "image", ref, "err", err)
		m.forceStateLocked(StateError)
		return false
	}
	m.log.Info("pulled image", "image", ref)
	m.forceStateLocked(StateExited)
	return true
}
