package handlers

import (
	"context"

	"github.com/openmower/openmower-backend/internal/container"
	"github.com/openmower/openmower-backend/internal/ws"
)

// App holds shared dependencies for all handlers.
type App struct {
	Registry *container.Registry
	WS       *ws.Server

	// ctx bounds container operations started by clients; it is canceled
	// on shutdown.
	ctx context.Context
}

func NewApp(ctx context.Context, reg *container.Registry, wss *ws.Server) *App {
	return &App{
		Registry: reg,
		WS:       wss,
		ctx:      ctx,
	}
}

// Register wires every event handler and the connect callback.
func (app *App) Register() {
	RegisterContainerHandlers(app)
	RegisterLogHandlers(app)
	app.WS.HandleConnect(app.sendAllStatesTo)
}

// manager resolves the container named by the request, or acks an error
// and returns nil.
func (app *App) manager(c *ws.Conn, req *ws.Request, p ws.Params) *container.Manager {
	name := p.Container()
	m, ok := app.Registry.Get(name)
	if !ok {
		ws.Reply(c, req, ws.Failed("unknown container: "+name))
		return nil
	}
	return m
}
