package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/openmower/openmower-backend/internal/container"
	"github.com/openmower/openmower-backend/internal/db"
	"github.com/openmower/openmower-backend/internal/docker"
	"github.com/openmower/openmower-backend/internal/handlers"
	"github.com/openmower/openmower-backend/internal/models"
	"github.com/openmower/openmower-backend/internal/ws"
)

const (
	AppImage  = "ghcr.io/clemenselflein/open_mower_ros:releases-edge"
	MetaImage = "ghcr.io/clemenselflein/open_mower_meta:latest"
)

var msgIDCounter int64

// TestEnv holds a fully wired test backend with a temp DB and the mock
// container runtime.
type TestEnv struct {
	App       *handlers.App
	Server    *httptest.Server
	WSServer  *ws.Server
	Registry  *container.Registry
	OpenMower *container.Manager
	Meta      *container.Manager
	Store     *models.ConfigStore
	Docker    *docker.MockClient
	DataDir   string
}

// Setup creates a test environment with a real HTTP server, BoltDB, and the
// mock runtime. No containers exist initially.
func Setup(t testing.TB) *TestEnv {
	t.Helper()

	dataDir := filepath.Join(t.TempDir(), "data")

	// Open BoltDB in temp dir
	database, err := db.Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	store := models.NewConfigStore(database)
	installID, err := store.EnsureInstallationID()
	if err != nil {
		t.Fatal(err)
	}

	rt := docker.NewMockClient()

	appNS := store.Namespace(container.AppName)
	app := container.NewManager(container.Options{
		Name:           container.AppName,
		DefaultImage:   AppImage,
		Runtime:        rt,
		Config:         appNS,
		Variant:        container.NewOpenMower(appNS, filepath.Join(dataDir, "mower_config.sh")),
		InstallationID: installID,
	})
	meta := container.NewManager(container.Options{
		Name:           container.MetaName,
		DefaultImage:   MetaImage,
		Runtime:        rt,
		Config:         store.Namespace(container.MetaName),
		Variant:        container.Meta{},
		InstallationID: installID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	app.Discover(ctx)
	meta.Discover(ctx)
	registry := container.NewRegistry(app, meta)

	// WebSocket server
	wss := ws.NewServer()
	h := handlers.NewApp(ctx, registry, wss)
	h.Register()
	h.StartStateBroadcast(ctx)

	// HTTP mux with WS and health
	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Start test server
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		wss.CloseAll()
		server.Close()
		app.StopLogs()
		meta.StopLogs()
		rt.Close()
		database.Close()
	})

	return &TestEnv{
		App:       h,
		Server:    server,
		WSServer:  wss,
		Registry:  registry,
		OpenMower: app,
		Meta:      meta,
		Store:     store,
		Docker:    rt,
		DataDir:   dataDir,
	}
}

// DialWS opens a WebSocket connection to the test server.
// Push messages sent on connect (containerState) are not drained here;
// SendAndReceive skips non-ack messages automatically.
func (e *TestEnv) DialWS(t testing.TB) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + e.Server.URL[4:] + "/ws" // http -> ws
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal("dial ws:", err)
	}
	conn.SetReadLimit(1 << 20)

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})

	return conn
}

// SendAndReceive sends a WS event with an ack ID and returns the parsed ack response.
func (e *TestEnv) SendAndReceive(t testing.TB, conn *websocket.Conn, event string, args ...any) map[string]any {
	t.Helper()

	id := atomic.AddInt64(&msgIDCounter, 1)
	write(t, conn, &id, event, args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Read messages until we find our ack
	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatal("read:", err)
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(respData, &raw); err != nil {
			t.Fatal("unmarshal response:", err)
		}

		if idRaw, ok := raw["id"]; ok {
			var ackID int64
			if err := json.Unmarshal(idRaw, &ackID); err == nil && ackID == id {
				var ack struct {
					Data map[string]any `json:"data"`
				}
				if err := json.Unmarshal(respData, &ack); err != nil {
					t.Fatal("unmarshal ack:", err)
				}
				return ack.Data
			}
		}
		// Not our ack, a push message; skip it
	}
}

// WaitForEvent reads until a push event with the given name satisfies
// match and returns its data.
func (e *TestEnv) WaitForEvent(t testing.TB, conn *websocket.Conn, event string, match func(data map[string]any) bool) map[string]any {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var msg struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		if err := json.Unmarshal(respData, &msg); err != nil {
			continue
		}
		if msg.Event == event && (match == nil || match(msg.Data)) {
			return msg.Data
		}
	}
}

// SendEvent sends a WS event without waiting for an ack.
func (e *TestEnv) SendEvent(t testing.TB, conn *websocket.Conn, event string, args ...any) {
	t.Helper()
	write(t, conn, nil, event, args)
}

func write(t testing.TB, conn *websocket.Conn, id *int64, event string, args []any) {
	t.Helper()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal("marshal args:", err)
	}
	data, err := json.Marshal(ws.Request{ID: id, Event: event, Args: argsJSON})
	if err != nil {
		t.Fatal("marshal msg:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal("write:", err)
	}
}
