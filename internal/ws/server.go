package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// HandlerFunc processes a client message. Each message is handled in its
// own goroutine, so handlers may block on container operations.
type HandlerFunc func(c *Conn, req *Request)

// Server manages WebSocket connections and message dispatch.
type Server struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}

	handlers  map[string]HandlerFunc
	connectFn func(c *Conn)
}

func NewServer() *Server {
	return &Server{
		conns:    make(map[*Conn]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for a named event. Handlers must be registered
// before the server accepts connections.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.handlers[event] = fn
}

// HandleConnect registers a callback that fires when a new connection is
// established, before its read loop starts.
func (s *Server) HandleConnect(fn func(c *Conn)) {
	s.connectFn = fn
}

// ServeHTTP upgrades the HTTP request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsc, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The UI is served from the mower's own address on a different port.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "err", err)
		return
	}

	c := newConn(wsc, s)
	s.add(c)

	slog.Debug("ws connected", "conn", c.id, "remote", r.RemoteAddr)

	if s.connectFn != nil {
		s.connectFn(c)
	}

	// Block on the read loop; this goroutine is owned by net/http
	c.serve(r.Context())
}

// BroadcastState pushes the state of container id to every connection.
func BroadcastState[T any](s *Server, id string, state T) {
	Broadcast(s, EventContainerState, StateEvent[T]{ID: id, State: state})
}

// Broadcast marshals the event once and sends it to every connection.
func Broadcast[T any](s *Server, event string, data T) {
	msg, err := json.Marshal(push[T]{Event: event, Data: data})
	if err != nil {
		slog.Error("ws marshal broadcast", "event", event, "err", err)
		return
	}
	s.BroadcastBytes(msg)
}

// BroadcastBytes sends a pre-marshalled message to every connection.
func (s *Server) BroadcastBytes(data []byte) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.write(data)
	}
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// CloseAll closes every connection.
func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	slog.Debug("ws disconnected", "conn", c.id, "remaining", s.ConnectionCount())
}

func (s *Server) dispatch(c *Conn, req *Request) {
	// A pull or stop can take minutes; it must not hold up the read loop.
	go s.Dispatch(c, req)
}

// Dispatch looks up and invokes the handler for the request's event.
func (s *Server) Dispatch(c *Conn, req *Request) {
	h, ok := s.handlers[req.Event]
	if !ok {
		slog.Warn("ws unknown event", "event", req.Event)
		Reply(c, req, Failed("unknown event: "+req.Event))
		return
	}
	h(c, req)
}
