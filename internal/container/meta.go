package container

import (
	"context"

	"github.com/openmower/openmower-backend/internal/docker"
)

// Meta is the variant of the open-mower-meta container, which runs this
// backend. An external supervisor recreates it after it has been stopped.
type Meta struct{}

func (Meta) Configure(*docker.CreateSpec) {}
func (Meta) OnCreated(context.Context, docker.Client, string) {}
func (Meta) OnDestroyed() {}
func (Meta) CustomProperty(string) string { return unknownProperty }
func (Meta) AppProperties() map[string]string { return map[string]string{} }
func (Meta) SettingsSchema() string { return "{}" }
func (Meta) SelfHosted() bool { return true }

// UpdatesEnabled reports whether the meta settings document enables
// periodic update checks.
func UpdatesEnabled(m *Manager) bool {
	var doc struct {
		CheckForUpdates bool `json:"checkForUpdates"`
	}
	return m.ns.Get(KeyAppConfig, &doc) && doc.CheckForUpdates
}

var (
	_ Variant    = Meta{}
	_ SelfHosted = Meta{}
)
