package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

var lastConnID atomic.Uint64

// Conn is one browser session. Besides writing acks and pushes it owns the
// feeds the session follows, releasing them when the session ends.
type Conn struct {
	ws     *websocket.Conn
	server *Server
	id     string
	done   chan struct{}

	writeMu sync.Mutex
	closed  bool

	feedMu   sync.Mutex
	feeds    map[string]func()
	released bool
}

func newConn(wsc *websocket.Conn, server *Server) *Conn {
	return &Conn{
		ws:     wsc,
		server: server,
		id:     "c" + strconv.FormatUint(lastConnID.Add(1), 10),
		done:   make(chan struct{}),
		feeds:  make(map[string]func()),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Follow records release as the way to stop the feed named key. A feed
// already recorded under key is released first. Once the session has ended
// release runs immediately and Follow reports false.
func (c *Conn) Follow(key string, release func()) bool {
	c.feedMu.Lock()
	if c.released {
		c.feedMu.Unlock()
		release()
		return false
	}
	prev := c.feeds[key]
	c.feeds[key] = release
	c.feedMu.Unlock()

	if prev != nil {
		prev()
	}
	return true
}

// Unfollow releases the feed named key and reports whether there was one.
func (c *Conn) Unfollow(key string) bool {
	c.feedMu.Lock()
	release := c.feeds[key]
	delete(c.feeds, key)
	c.feedMu.Unlock()

	if release == nil {
		return false
	}
	release()
	return true
}

// Following returns the number of feeds the session holds.
func (c *Conn) Following() int {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	return len(c.feeds)
}

func (c *Conn) releaseFeeds() {
	c.feedMu.Lock()
	feeds := c.feeds
	c.feeds = map[string]func(){}
	c.released = true
	c.feedMu.Unlock()

	for _, release := range feeds {
		release()
	}
}

// Reply acks req with data. Requests without an ID get no answer.
func Reply[T any](c *Conn, req *Request, data T) {
	if req.ID != nil {
		SendAck(c, *req.ID, data)
	}
}

func SendAck[T any](c *Conn, id int64, data T) {
	c.writeJSON(ack[T]{ID: id, Data: data})
}

func SendEvent[T any](c *Conn, event string, data T) {
	c.writeJSON(push[T]{Event: event, Data: data})
}

// SendState pushes the state of container id to this connection.
func SendState[T any](c *Conn, id string, state T) {
	SendEvent(c, EventContainerState, StateEvent[T]{ID: id, State: state})
}

// StreamLogs pushes each line of container id as a containerLog event until
// lines is closed or the connection ends.
func StreamLogs[T any](c *Conn, id string, lines <-chan T) {
	for {
		select {
		case <-c.done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			SendEvent(c, EventContainerLog, LogEvent[T]{ID: id, Line: line})
		}
	}
}

func (c *Conn) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("ws marshal", "conn", c.id, "err", err)
		return
	}
	c.write(data)
}

func (c *Conn) write(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("ws write", "conn", c.id, "err", err)
		c.closeLocked()
	}
}

// serve reads requests until the peer goes away, then ends the session.
func (c *Conn) serve(ctx context.Context) {
	defer func() {
		c.Close()
		c.releaseFeeds()
		c.server.remove(c)
	}()

	c.ws.SetReadLimit(readLimit)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			slog.Debug("ws read", "conn", c.id, "err", err)
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Warn("ws request", "conn", c.id, "err", err)
			continue
		}
		c.server.dispatch(c, &req)
	}
}

func (c *Conn) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.ws.Close(websocket.StatusNormalClosure, "")
}
