package handlers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/openmower/openmower-backend/internal/container"
	"github.com/openmower/openmower-backend/internal/ws"
)

type StateResponse struct {
	OK    bool                     `json:"ok"`
	State container.ContainerState `json:"state"`
}

// ActionResponse reports the outcome of an action with the state
// afterwards.
type ActionResponse struct {
	OK    bool                     `json:"ok"`
	Msg   string                   `json:"msg,omitempty"`
	State container.ContainerState `json:"state"`
}

type SettingsResponse struct {
	OK       bool            `json:"ok"`
	Settings json.RawMessage `json:"settings"`
	Schema   json.RawMessage `json:"schema"`
}

type PropertyResponse struct {
	OK    bool   `json:"ok"`
	Value string `json:"value"`
}

type ImageResponse struct {
	OK              bool   `json:"ok"`
	Image           string `json:"image"`
	Tag             string `json:"tag"`
	UpdateAvailable bool   `json:"updateAvailable"`
}

func RegisterContainerHandlers(app *App) {
	app.WS.Handle("getState", app.handleGetState)
	app.WS.Handle("executeAction", app.handleExecuteAction)
	app.WS.Handle("getSettings", app.handleGetSettings)
	app.WS.Handle("saveSettings", app.handleSaveSettings)
	app.WS.Handle("getProperty", app.handleGetProperty)
	app.WS.Handle("getImage", app.handleGetImage)
	app.WS.Handle("updateImage", app.handleUpdateImage)
}

func (app *App) handleGetState(c *ws.Conn, req *ws.Request) {
	m := app.manager(c, req, req.Params())
	if m == nil {
		return
	}
	ws.Reply(c, req, StateResponse{OK: true, State: m.State()})
}

// handleExecuteAction runs start, stop or pull and acks with the resulting
// state once the runtime has confirmed it.
func (app *App) handleExecuteAction(c *ws.Conn, req *ws.Request) {
	p := req.Params()
	m := app.manager(c, req, p)
	if m == nil {
		return
	}

	action := p.String(1)
	var ok bool
	switch action {
	case "start":
		ok = m.Start(app.ctx)
	case "stop":
		m.Stop(app.ctx)
		ok = true
	case "pull":
		ok = m.PullImage(app.ctx)
	default:
		ws.Reply(c, req, ws.Failed("unknown action: "+action))
		return
	}

	slog.Info("container action", "container", m.Name(), "action", action, "ok", ok)
	resp := ActionResponse{OK: ok, State: m.State()}
	if !ok {
		resp.Msg = action + " failed"
	}
	ws.Reply(c, req, resp)
}

func (app *App) handleGetSettings(c *ws.Conn, req *ws.Request) {
	m := app.manager(c, req, req.Params())
	if m == nil {
		return
	}
	sendSettings(c, req, m)
}

func sendSettings(c *ws.Conn, req *ws.Request, m *container.Manager) {
	schema := json.RawMessage(m.SettingsSchema())
	if !json.Valid(schema) {
		slog.Warn("settings schema is not valid JSON", "container", m.Name())
		schema = json.RawMessage(`{}`)
	}
	ws.Reply(c, req, SettingsResponse{OK: true, Settings: m.Settings(), Schema: schema})
}

func (app *App) handleSaveSettings(c *ws.Conn, req *ws.Request) {
	p := req.Params()
	m := app.manager(c, req, p)
	if m == nil {
		return
	}

	if err := m.SaveSettings(app.ctx, p.Raw(1)); err != nil {
		ws.Reply(c, req, ws.Failed(err.Error()))
		return
	}
	sendSettings(c, req, m)
}

func (app *App) handleGetProperty(c *ws.Conn, req *ws.Request) {
	p := req.Params()
	m := app.manager(c, req, p)
	if m == nil {
		return
	}
	ws.Reply(c, req, PropertyResponse{OK: true, Value: m.CustomProperty(p.String(1))})
}

func (app *App) handleGetImage(c *ws.Conn, req *ws.Request) {
	m := app.manager(c, req, req.Params())
	if m == nil {
		return
	}
	sendImage(c, req, m)
}

func sendImage(c *ws.Conn, req *ws.Request, m *container.Manager) {
	image, tag := m.ConfiguredImage()
	ws.Reply(c, req, ImageResponse{OK: true, Image: image, Tag: tag, UpdateAvailable: m.UpdateAvailable()})
}

// handleUpdateImage changes the image used for the next container. The
// running container keeps its image until it is pulled or recreated.
func (app *App) handleUpdateImage(c *ws.Conn, req *ws.Request) {
	p := req.Params()
	m := app.manager(c, req, p)
	if m == nil {
		return
	}

	image, tag := p.String(1), p.String(2)
	if image == "" || tag == "" {
		ws.Reply(c, req, ws.Failed("image and tag required"))
		return
	}
	if !m.SetConfiguredImage(image, tag) {
		ws.Reply(c, req, ws.Failed("image could not be stored"))
		return
	}
	sendImage(c, req, m)
}

func (app *App) sendAllStatesTo(c *ws.Conn) {
	for _, m := range app.Registry.All() {
		ws.SendState(c, m.Name(), m.State())
	}
}

// StartStateBroadcast pushes every state change of every container to all
// connections until ctx is done. A refresh that leaves the state as it was
// is not sent.
func (app *App) StartStateBroadcast(ctx context.Context) {
	for _, m := range app.Registry.All() {
		states, cancel := m.Subscribe()
		// New connections get the current state on connect.
		last := m.State()
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case st, ok := <-states:
					if !ok {
						return
					}
					if st.Equal(last) {
						slog.Debug("state broadcast skipped (unchanged)", "container", m.Name())
						continue
					}
					ws.BroadcastState(app.WS, m.Name(), st)
					last = st
				}
			}
		}()
	}
}
