package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmower/openmower-backend/internal/config"
	"github.com/openmower/openmower-backend/internal/container"
	"github.com/openmower/openmower-backend/internal/db"
	"github.com/openmower/openmower-backend/internal/docker"
	"github.com/openmower/openmower-backend/internal/handlers"
	"github.com/openmower/openmower-backend/internal/models"
	"github.com/openmower/openmower-backend/internal/schema"
	"github.com/openmower/openmower-backend/internal/update"
	"github.com/openmower/openmower-backend/internal/ws"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "dev"

func main() {
	// Quick healthcheck mode, used by the container HEALTHCHECK. Avoids
	// needing wget/curl in the image.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := "8080"
		if v := os.Getenv("OPENMOWER_PORT"); v != "" {
			port = v
		}
		resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("starting openmower backend",
		"version", version,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"mock", cfg.Mock,
		"logLevel", cfg.LogLevel,
	)

	if err := run(cfg); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()

	store := models.NewConfigStore(database)
	installID, err := store.EnsureInstallationID()
	if err != nil {
		return fmt.Errorf("installation id: %w", err)
	}

	rt, err := docker.NewClient(cfg.Mock, cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer rt.Close()

	var checker update.Checker
	if cfg.UpdateURL != "" {
		checker = update.NewClient(cfg.UpdateURL, nil)
	} else {
		slog.Info("update checks disabled, no update url")
	}

	mowerConfig := cfg.MowerConfigFile
	if mowerConfig == "" {
		mowerConfig = filepath.Join(cfg.DataDir, "mower_config.sh")
	}
	appNS := store.Namespace(container.AppName)
	openMower := container.NewOpenMower(appNS, mowerConfig)
	if cfg.SchemaFile != "" {
		loadSchemaFile(openMower, cfg.SchemaFile)
	}

	app := container.NewManager(container.Options{
		Name:           container.AppName,
		DefaultImage:   cfg.AppImage,
		Runtime:        rt,
		Config:         appNS,
		Variant:        openMower,
		Updates:        checker,
		InstallationID: installID,
	})
	meta := container.NewManager(container.Options{
		Name:           container.MetaName,
		DefaultImage:   cfg.MetaImage,
		Runtime:        rt,
		Config:         store.Namespace(container.MetaName),
		Variant:        container.Meta{},
		Updates:        checker,
		InstallationID: installID,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.Discover(ctx)
	meta.Discover(ctx)
	registry := container.NewRegistry(app, meta)

	scheduler := container.NewScheduler(registry,
		func() bool { return container.UpdatesEnabled(meta) },
		store.Namespace(models.BackendNamespace),
		cfg.RefreshInterval, cfg.UpdateInterval)

	// WebSocket server
	wss := ws.NewServer()
	h := handlers.NewApp(ctx, registry, wss)
	h.Register()
	h.StartStateBroadcast(ctx)

	// HTTP mux
	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	if cfg.SchemaFile != "" {
		g.Go(func() error {
			err := schema.Watch(gctx, cfg.SchemaFile, func(raw []byte) {
				if err := openMower.SetSchema(raw); err != nil {
					slog.Warn("schema reload", "path", cfg.SchemaFile, "err", err)
					return
				}
				slog.Info("settings schema reloaded", "path", cfg.SchemaFile)
			})
			if err != nil {
				slog.Warn("schema file watcher failed to start", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		wss.CloseAll()
		app.StopLogs()
		meta.StopLogs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loadSchemaFile caches the schema override present at startup. Later
// changes are picked up by the watcher.
func loadSchemaFile(o *container.OpenMower, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("read schema file", "path", path, "err", err)
		}
		return
	}
	if err := o.SetSchema(raw); err != nil {
		slog.Warn("schema file", "path", path, "err", err)
		return
	}
	slog.Info("settings schema loaded", "path", path)
}
