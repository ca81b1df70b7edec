package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/openmower/openmower-backend/internal/db"
)

const configCacheTTL = 60 * time.Second

// BackendNamespace holds settings of the backend itself.
const BackendNamespace = "backend"

const installationIDKey = "installation-id"

// ConfigStore persists JSON values grouped by namespace in the config bucket.
// Reads are cached for a short period.
type ConfigStore struct {
	db    *bolt.DB
	mu    sync.RWMutex
	cache map[string]configEntry
}

type configEntry struct {
	value   []byte // nil when absent
	expires time.Time
}

func NewConfigStore(database *bolt.DB) *ConfigStore {
	return &ConfigStore{
		db:    database,
		cache: make(map[string]configEntry),
	}
}

// compoundKey creates a namespace-scoped key: "namespace/key".
func compoundKey(namespace, key string) string {
	return namespace + "/" + key
}

// Get returns the raw JSON stored under namespace/key, or nil if absent.
func (s *ConfigStore) Get(namespace, key string) ([]byte, error) {
	k := compoundKey(namespace, key)

	s.mu.RLock()
	if entry, ok := s.cache[k]; ok && time.Now().Before(entry.expires) {
		s.mu.RUnlock()
		return entry.value, nil
	}
	s.mu.RUnlock()

	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(db.BucketConfig).Get([]byte(k)); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get config %q: %w", k, err)
	}

	s.mu.Lock()
	s.cache[k] = configEntry{value: val, expires: time.Now().Add(configCacheTTL)}
	s.mu.Unlock()

	return val, nil
}

// Set stores raw JSON under namespace/key (upsert).
func (s *ConfigStore) Set(namespace, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("set config %q: invalid json", compoundKey(namespace, key))
	}
	k := compoundKey(namespace, key)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketConfig).Put([]byte(k), value)
	})
	if err != nil {
		return fmt.Errorf("set config %q: %w", k, err)
	}

	s.mu.Lock()
	s.cache[k] = configEntry{value: append([]byte(nil), value...), expires: time.Now().Add(configCacheTTL)}
	s.mu.Unlock()

	return nil
}

// Delete removes namespace/key. Deleting a missing key is not an error.
func (s *ConfigStore) Delete(namespace, key string) error {
	k := compoundKey(namespace, key)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketConfig).Delete([]byte(k))
	})
	if err != nil {
		return fmt.Errorf("delete config %q: %w", k, err)
	}

	s.mu.Lock()
	delete(s.cache, k)
	s.mu.Unlock()
	return nil
}

// InvalidateCache clears the read cache.
func (s *ConfigStore) InvalidateCache() {
	s.mu.Lock()
	s.cache = make(map[string]configEntry)
	s.mu.Unlock()
}

// Namespace returns a view of the store bound to a single namespace.
func (s *ConfigStore) Namespace(name string) *Namespace {
	return &Namespace{
		store: s,
		name:  name,
		log:   slog.With("namespace", name),
	}
}

// EnsureInstallationID returns the persistent installation id, generating
// one on first use.
func (s *ConfigStore) EnsureInstallationID() (string, error) {
	ns := s.Namespace(BackendNamespace)
	if id := ns.GetString(installationIDKey, ""); id != "" {
		return id, nil
	}

	id := uuid.NewString()
	raw, _ := json.Marshal(id)
	if err := s.Set(BackendNamespace, installationIDKey, raw); err != nil {
		return "", err
	}

	slog.Info("generated installation id", "id", id)
	return id, nil
}

// Namespace reads and writes JSON values of one namespace. Storage and
// decoding failures are logged and reported as absent values.
type Namespace struct {
	store *ConfigStore
	name  string
	log   *slog.Logger
}

func (n *Namespace) Name() string { return n.name }

// GetRaw returns the stored JSON for key, or nil if absent or unreadable.
func (n *Namespace) GetRaw(key string) json.RawMessage {
	raw, err := n.store.Get(n.name, key)
	if err != nil {
		n.log.Error("config read", "key", key, "err", err)
		return nil
	}
	return raw
}

// Get decodes the value stored under key into dst. It reports false when
// the key is absent or the value cannot be decoded.
func (n *Namespace) Get(key string, dst any) bool {
	raw := n.GetRaw(key)
	if raw == nil {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		n.log.Warn("config decode", "key", key, "err", err)
		return false
	}
	return true
}

// Set encodes v as JSON and stores it under key.
func (n *Namespace) Set(key string, v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		n.log.Error("config encode", "key", key, "err", err)
		return false
	}
	return n.SetRaw(key, raw)
}

// SetRaw stores an already encoded JSON value under key.
func (n *Namespace) SetRaw(key string, raw json.RawMessage) bool {
	if err := n.store.Set(n.name, key, raw); err != nil {
		n.log.Error("config write", "key", key, "err", err)
		return false
	}
	return true
}

func (n *Namespace) GetString(key, def string) string {
	var s string
	if !n.Get(key, &s) {
		return def
	}
	return s
}

func (n *Namespace) GetBool(key string, def bool) bool {
	var b bool
	if !n.Get(key, &b) {
		return def
	}
	return b
}
