package handlers

import (
	"log/slog"

	"github.com/openmower/openmower-backend/internal/container"
	"github.com/openmower/openmower-backend/internal/ws"
)

type LogsResponse struct {
	OK    bool                `json:"ok"`
	Lines []container.LogLine `json:"lines"`
}

func RegisterLogHandlers(app *App) {
	app.WS.Handle("joinLogs", app.handleJoinLogs)
	app.WS.Handle("leaveLogs", app.handleLeaveLogs)
}

// handleJoinLogs acks with the buffered lines and then pushes each new line
// as a containerLog event. Joining again replaces the subscription. The
// connection owns the subscription and drops it when it closes, even when
// the join is handled after the close.
func (app *App) handleJoinLogs(c *ws.Conn, req *ws.Request) {
	m := app.manager(c, req, req.Params())
	if m == nil {
		return
	}

	backlog, lines, unsubscribe := m.JoinLogs()
	release := func() {
		unsubscribe()
		if m.LogStream().StopIfUnwatched() {
			slog.Debug("log stream stopped", "container", m.Name(), "conn", c.ID())
		}
	}
	if !c.Follow(m.Name(), release) {
		return
	}

	ws.Reply(c, req, LogsResponse{OK: true, Lines: backlog})
	go ws.StreamLogs(c, m.Name(), lines)
}

func (app *App) handleLeaveLogs(c *ws.Conn, req *ws.Request) {
	m := app.manager(c, req, req.Params())
	if m == nil {
		return
	}
	c.Unfollow(m.Name())
	ws.Reply(c, req, ws.Result{OK: true})
}
