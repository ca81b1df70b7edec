package container

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openmower/openmower-backend/internal/docker"
	"github.com/openmower/openmower-backend/internal/schema"
)

const (
	AppName  = "open-mower"
	MetaName = "open-mower-meta"

	KeySchemaCache = "json-schema-cache"

	PropEnvironment = "environment"
	PropVersion     = "om-version"

	unknownProperty = "unknown property"

	mowerConfigTarget = "/config/mower_config.sh"
	versionInfoPath   = "/opt/open_mower_ros/version_info.env"
	versionKey        = "OM_SOFTWARE_VERSION="
)

//go:embed assets/open_mower.default.schema.json
var defaultSchema string

// DefaultSchema returns the built-in settings schema of the application
// container.
func DefaultSchema() string { return defaultSchema }

// OpenMower configures the open-mower application container. Its
// environment is built from the settings schema and the stored settings.
type OpenMower struct {
	ns              Namespace
	mowerConfigFile string

	mu    sync.Mutex
	props map[string]string
}

// NewOpenMower returns the application variant. mowerConfigFile is the host
// file mounted at /config/mower_config.sh; it is created empty if missing.
func NewOpenMower(ns Namespace, mowerConfigFile string) *OpenMower {
	return &OpenMower{
		ns:              ns,
		mowerConfigFile: mowerConfigFile,
		props:           make(map[string]string),
	}
}

// SettingsSchema returns the cached schema, or the built-in default when no
// schema has been cached.
func (o *OpenMower) SettingsSchema() string {
	if cached := o.ns.GetString(KeySchemaCache, ""); strings.TrimSpace(cached) != "" {
		return cached
	}
	return defaultSchema
}

// SetSchema validates raw and caches it as the settings schema.
func (o *OpenMower) SetSchema(raw []byte) error {
	if _, err := schema.Parse(raw); err != nil {
		return err
	}
	if !o.ns.Set(KeySchemaCache, string(raw)) {
		return errors.New("schema could not be stored")
	}
	return nil
}

// Environment builds the container environment from the current schema and
// settings.
func (o *OpenMower) Environment() map[string]string {
	s, err := schema.Parse([]byte(o.SettingsSchema()))
	if err != nil {
		slog.Error("settings schema", "container", AppName, "err", err)
		return map[string]string{}
	}
	return schema.Build(s, o.ns.GetRaw(KeyAppConfig))
}

func (o *OpenMower) Configure(spec *docker.CreateSpec) {
	env := o.Environment()
	spec.Env = append(spec.Env, schema.Render(env)...)

	o.mu.Lock()
	o.props[PropEnvironment] = schema.RenderText(env)
	o.mu.Unlock()

	// The settings are passed as environment; the mounted file only has to exist.
	source, err := o.ensureMowerConfigFile()
	if err != nil {
		slog.Error("mower config file", "container", AppName, "path", o.mowerConfigFile, "err", err)
		return
	}
	spec.Mounts = append(spec.Mounts, docker.Mount{Source: source, Target: mowerConfigTarget})
}

func (o *OpenMower) ensureMowerConfigFile() (string, error) {
	path, err := filepath.Abs(o.mowerConfigFile)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	return path, f.Close()
}

func (o *OpenMower) OnCreated(ctx context.Context, rt docker.Client, id string) {
	version := "error"
	if data, err := rt.CopyFileFromContainer(ctx, id, versionInfoPath); err != nil {
		slog.Warn("read software version", "container", AppName, "err", err)
	} else {
		version = parseVersion(string(data))
	}

	o.mu.Lock()
	o.props[PropVersion] = version
	o.mu.Unlock()
}

func (o *OpenMower) OnDestroyed() {
	o.mu.Lock()
	clear(o.props)
	o.mu.Unlock()
}

func (o *OpenMower) CustomProperty(key string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v, ok := o.props[key]; ok {
		return v
	}
	return unknownProperty
}

func (o *OpenMower) AppProperties() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return maps.Clone(o.props)
}

// ApplyOnSave recreates the container so new settings reach its environment.
func (o *OpenMower) ApplyOnSave() bool { return true }

// parseVersion extracts OM_SOFTWARE_VERSION from a version_info.env file. A
// file without the key yields its trimmed contents.
func parseVersion(data string) string {
	_, rest, found := strings.Cut(data, versionKey)
	if !found {
		return strings.TrimSpace(data)
	}
	line, _, _ := strings.Cut(rest, "\n")
	return strings.Trim(strings.TrimSpace(line), `"'`)
}

var (
	_ Variant         = (*OpenMower)(nil)
	_ SettingsApplier = (*OpenMower)(nil)
)
