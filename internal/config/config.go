package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAppImage  = "ghcr.io/clemenselflein/open_mower_ros:latest"
	DefaultMetaImage = "ghcr.io/clemenselflein/open_mower_meta:latest"
)

type Config struct {
	Port            int
	DataDir         string
	DockerHost      string     // Empty uses DOCKER_HOST or the default socket
	LogLevel        slog.Level // Parsed log level (debug, info, warn, error)
	Mock            bool       // In-memory container runtime, no Docker daemon needed
	ConfigFile      string     // Optional YAML file, see File
	SchemaFile      string     // Settings schema override for the app container
	UpdateURL       string     // Version check endpoint; empty disables update checks
	RefreshInterval time.Duration
	UpdateInterval  time.Duration
	AppImage        string
	MetaImage       string
	MowerConfigFile string // Host file mounted at /config/mower_config.sh
}

// File is the layout of the optional YAML configuration file. Zero values
// leave the corresponding setting untouched.
type File struct {
	Port            int           `yaml:"port"`
	DataDir         string        `yaml:"data-dir"`
	DockerHost      string        `yaml:"docker-host"`
	LogLevel        string        `yaml:"log-level"`
	SchemaFile      string        `yaml:"schema-file"`
	UpdateURL       string        `yaml:"update-url"`
	RefreshInterval time.Duration `yaml:"refresh-interval"`
	UpdateInterval  time.Duration `yaml:"update-interval"`
	Containers      struct {
		App struct {
			Image           string `yaml:"image"`
			MowerConfigFile string `yaml:"mower-config-file"`
		} `yaml:"open-mower"`
		Meta struct {
			Image string `yaml:"image"`
		} `yaml:"open-mower-meta"`
	} `yaml:"containers"`
}

// Parse reads flags from the command line, then the YAML file named by
// -config, then OPENMOWER_* environment variables. Flags given explicitly
// take precedence over the file; environment variables override both.
func Parse() (*Config, error) {
	return parseArgs(os.Args[1:], os.Getenv)
}

func parseArgs(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("openmower-backend", flag.ContinueOnError)

	var logLevel string
	fs.IntVar(&cfg.Port, "port", 8080, "HTTP server port")
	fs.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory (bbolt DB, mounted files)")
	fs.StringVar(&cfg.DockerHost, "docker-host", "", "Docker host URI (default: DOCKER_HOST or local socket)")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Mock, "mock", false, "Use an in-memory container runtime instead of Docker")
	fs.StringVar(&cfg.ConfigFile, "config", "", "Path to YAML config file")
	fs.StringVar(&cfg.SchemaFile, "schema-file", "", "Override the open-mower settings schema with this file (watched)")
	fs.StringVar(&cfg.UpdateURL, "update-url", "", "Version check endpoint (empty disables update checks)")
	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", 10*time.Second, "Container state refresh interval")
	fs.DurationVar(&cfg.UpdateInterval, "update-interval", 6*time.Hour, "Update check interval")
	fs.StringVar(&cfg.AppImage, "app-image", DefaultAppImage, "Default image of the open-mower container")
	fs.StringVar(&cfg.MetaImage, "meta-image", DefaultMetaImage, "Default image of the open-mower-meta container")
	fs.StringVar(&cfg.MowerConfigFile, "mower-config-file", "", "Host file mounted as mower_config.sh (default: <data-dir>/mower_config.sh)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if v := getenv("OPENMOWER_CONFIG"); v != "" {
		cfg.ConfigFile = v
	}
	if cfg.ConfigFile != "" {
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := applyFile(cfg, &logLevel, cfg.ConfigFile, set); err != nil {
			return nil, err
		}
	}

	// Env vars override flags (if set)
	if v := getenv("OPENMOWER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := getenv("OPENMOWER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("OPENMOWER_DOCKER_HOST"); v != "" {
		cfg.DockerHost = v
	}
	if v := getenv("OPENMOWER_LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if v := getenv("OPENMOWER_MOCK"); v == "1" || v == "true" {
		cfg.Mock = true
	}
	if v := getenv("OPENMOWER_SCHEMA_FILE"); v != "" {
		cfg.SchemaFile = v
	}
	if v := getenv("OPENMOWER_UPDATE_URL"); v != "" {
		cfg.UpdateURL = v
	}
	if v := getenv("OPENMOWER_APP_IMAGE"); v != "" {
		cfg.AppImage = v
	}
	if v := getenv("OPENMOWER_META_IMAGE"); v != "" {
		cfg.MetaImage = v
	}

	cfg.LogLevel = parseLogLevel(logLevel)

	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %s", cfg.RefreshInterval)
	}
	if cfg.UpdateInterval <= 0 {
		return nil, fmt.Errorf("update interval must be positive, got %s", cfg.UpdateInterval)
	}
	return cfg, nil
}

// applyFile merges the YAML file into cfg, skipping settings whose flag was
// given on the command line.
func applyFile(cfg *Config, logLevel *string, path string, set map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if f.Port != 0 && !set["port"] {
		cfg.Port = f.Port
	}
	mergeString(&cfg.DataDir, f.DataDir, set["data-dir"])
	mergeString(&cfg.DockerHost, f.DockerHost, set["docker-host"])
	mergeString(logLevel, f.LogLevel, set["log-level"])
	mergeString(&cfg.SchemaFile, f.SchemaFile, set["schema-file"])
	mergeString(&cfg.UpdateURL, f.UpdateURL, set["update-url"])
	mergeString(&cfg.AppImage, f.Containers.App.Image, set["app-image"])
	mergeString(&cfg.MowerConfigFile, f.Containers.App.MowerConfigFile, set["mower-config-file"])
	mergeString(&cfg.MetaImage, f.Containers.Meta.Image, set["meta-image"])
	if f.RefreshInterval != 0 && !set["refresh-interval"] {
		cfg.RefreshInterval = f.RefreshInterval
	}
	if f.UpdateInterval != 0 && !set["update-interval"] {
		cfg.UpdateInterval = f.UpdateInterval
	}
	return nil
}

func mergeString(dst *string, v string, flagSet bool) {
	if v != "" && !flagSet {
		*dst = v
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
