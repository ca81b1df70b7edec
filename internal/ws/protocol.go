package ws

import (
	"encoding/json"
	"log/slog"
)

// Push events sent by the server without a request.
const (
	EventContainerState = "containerState"
	EventContainerLog   = "containerLog"
)

// Request is a client message. Args is a positional JSON array whose first
// element names the container for every container event. A request with an
// ID is answered by an ack carrying the same ID.
type Request struct {
	ID    *int64          `json:"id,omitempty"`
	Event string          `json:"event"`
	Args  json.RawMessage `json:"args"`
}

// Params decodes Args. A missing or malformed array yields no params.
func (r *Request) Params() Params {
	if r == nil || len(r.Args) == 0 {
		return nil
	}
	var p Params
	if err := json.Unmarshal(r.Args, &p); err != nil {
		slog.Warn("ws args", "event", r.Event, "err", err)
		return nil
	}
	return p
}

// Params are the positional arguments of a request.
type Params []json.RawMessage

// Container is the container name at position 0.
func (p Params) Container() string {
	return p.String(0)
}

// String returns the string at position i, or "" when it is absent or not
// a string.
func (p Params) String(i int) string {
	if i >= len(p) {
		return ""
	}
	var s string
	if err := json.Unmarshal(p[i], &s); err != nil {
		return ""
	}
	return s
}

// Raw returns the undecoded value at position i.
func (p Params) Raw(i int) json.RawMessage {
	if i >= len(p) {
		return nil
	}
	return p[i]
}

// Result is the ack payload of requests that return nothing else.
type Result struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg,omitempty"`
}

func Failed(msg string) Result {
	return Result{OK: false, Msg: msg}
}

// StateEvent is the payload of a containerState push.
type StateEvent[T any] struct {
	ID    string `json:"id"`
	State T      `json:"state"`
}

// LogEvent is the payload of a containerLog push.
type LogEvent[T any] struct {
	ID   string `json:"id"`
	Line T      `json:"line"`
}

type ack[T any] struct {
	ID   int64 `json:"id"`
	Data T     `json:"data"`
}

type push[T any] struct {
	Event string `json:"event"`
	Data  T      `json:"data"`
}
