package container

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openmower/openmower-backend/internal/db"
	"github.com/openmower/openmower-backend/internal/docker"
	"github.com/openmower/openmower-backend/internal/models"
)

// openTestStore creates a temp BoltDB-backed config store.
func openTestStore(t *testing.T) *models.ConfigStore {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return models.NewConfigStore(database)
}

type testEnv struct {
	rt    *docker.MockClient
	store *models.ConfigStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{rt: docker.NewMockClient(), store: openTestStore(t)}
}

// app returns an open-mower manager using image as its default.
func (e *testEnv) app(t *testing.T, image string) (*Manager, *OpenMower) {
	t.Helper()
	ns := e.store.Namespace(AppName)
	v := NewOpenMower(ns, filepath.Join(t.TempDir(), "mower_config.sh"))
	m := NewManager(Options{
		Name:         AppName,
		DefaultImage: image,
		Runtime:      e.rt,
		Config:       ns,
		Variant:      v,
	})
	return m, v
}

func (e *testEnv) meta(t *testing.T, image string) *Manager {
	t.Helper()
	return NewManager(Options{
		Name:         MetaName,
		DefaultImage: image,
		Runtime:      e.rt,
		Config:       e.store.Namespace(MetaName),
		Variant:      Meta{},
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	panic("unreachable")
}

func assertSettled(t *testing.T, m *Manager) {
	t.Helper()
	switch st := m.State().ExecutionState; st {
	case StateStarting, StateStopping, StatePulling:
		t.Errorf("state left in transient phase %q", st)
	}
}
