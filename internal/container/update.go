package container

import (
	"context"
	"strings"

	"github.com/openmower/openmower-backend/internal/update"
)

// CheckForUpdate asks the version-check service whether a newer build of
// the configured tag exists and stores the answer. Without a local image of
// the configured tag there is nothing to compare and the check is skipped.
// Failures are logged.
func (m *Manager) CheckForUpdate(ctx context.Context) {
	if m.updates == nil {
		return
	}

	ref := m.configuredRef()
	images, err := m.rt.ImageList(ctx, ref)
	if err != nil {
		m.log.Error("update check: list images", "image", ref, "err", err)
		return
	}
	if len(images) == 0 {
		m.log.Debug("update check: image not present", "image", ref)
		return
	}

	hashes := make([]string, 0, len(images[0].RepoDigests))
	for _, d := range images[0].RepoDigests {
		if _, digest, ok := strings.Cut(d, "@"); ok {
			hashes = append(hashes, digest)
		} else {
			hashes = append(hashes, d)
		}
	}

	resp, err := m.updates.Check(ctx, update.Request{
		ID:                   m.installID,
		CurrentImage:         ref,
		CurrentVersionHashes: hashes,
	})
	if err != nil {
		m.log.Error("update check", "image", ref, "err", err)
		return
	}
	m.log.Info("update check complete", "image", ref, "updateAvailable", resp.TagUpdateAvailable)
	m.ns.Set(KeyUpdateAvailable, resp.TagUpdateAvailable)
}
