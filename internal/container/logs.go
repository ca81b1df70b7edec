package container

import (
	"bufio"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openmower/openmower-backend/internal/docker"
)

const (
	logBufferSize = 500
	logLookback   = 10 * time.Minute
	maxLogLine    = 1 << 20
)

// LogLine is a single line of container output.
type LogLine struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// LogStream follows the output of a container and keeps the most recent
// lines. Once streaming is desired, a dropped connection is reopened by
// Reconcile, resuming after the newest buffered line.
type LogStream struct {
	rt  docker.Client
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	desired bool
	cancel  context.CancelFunc // non-nil while a follow connection is active
	gen     uint64
	buf     []LogLine // ring of logBufferSize entries
	head    int       // index of the oldest entry once full

	lines *Broadcaster[LogLine]
}

func newLogStream(rt docker.Client, logger *slog.Logger) *LogStream {
	return &LogStream{
		rt:    rt,
		log:   logger,
		now:   time.Now,
		buf:   make([]LogLine, 0, logBufferSize),
		lines: NewBroadcaster[LogLine](false),
	}
}

// Start marks streaming as desired and opens a follow connection for the
// container id unless one is already active.
func (l *LogStream) Start(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.desired = true
	if id == "" || l.cancel != nil {
		return
	}

	since := l.now().Add(-logLookback)
	if newest, ok := l.newestLocked(); ok {
		since = newest
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.gen++
	l.cancel = cancel
	go l.follow(ctx, l.gen, id, since)
}

// Stop clears the desired flag and closes the active connection.
func (l *LogStream) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

// StopIfUnwatched stops the stream when no line subscriber is left and
// reports whether it did.
func (l *LogStream) StopIfUnwatched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lines.Len() > 0 {
		return false
	}
	l.stopLocked()
	return true
}

func (l *LogStream) stopLocked() {
	l.desired = false
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// Reconcile reopens the connection when streaming is desired, no connection
// is active and the container is running.
func (l *LogStream) Reconcile(id string, state ExecutionState) {
	l.mu.Lock()
	reconnect := l.desired && l.cancel == nil && state == StateRunning
	l.mu.Unlock()

	if reconnect {
		l.log.Info("reconnecting log stream")
		l.Start(id)
	}
}

// Subscribe starts streaming and returns a channel of lines accepted from
// now on.
func (l *LogStream) Subscribe(id string) (<-chan LogLine, func()) {
	_, ch, cancel := l.Join(id)
	return ch, cancel
}

// Join is Subscribe that also returns the buffered lines. The channel
// carries exactly the lines accepted after the returned backlog.
func (l *LogStream) Join(id string) ([]LogLine, <-chan LogLine, func()) {
	l.mu.Lock()
	backlog := l.linesLocked()
	ch, cancel := l.lines.Subscribe()
	l.mu.Unlock()
	l.Start(id)
	return backlog, ch, cancel
}

// Lines returns a copy of the buffered lines, oldest first.
func (l *LogStream) Lines() []LogLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linesLocked()
}

func (l *LogStream) linesLocked() []LogLine {
	out := make([]LogLine, 0, len(l.buf))
	out = append(out, l.buf[l.head:]...)
	out = append(out, l.buf[:l.head]...)
	return out
}

// Active reports whether a follow connection is open.
func (l *LogStream) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Desired reports whether streaming has been requested and not stopped.
func (l *LogStream) Desired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.desired
}

// Subscribers returns the number of live line subscribers.
func (l *LogStream) Subscribers() int {
	return l.lines.Len()
}

func (l *LogStream) follow(ctx context.Context, gen uint64, id string, since time.Time) {
	defer l.finish(gen)

	rc, err := l.rt.ContainerLogs(ctx, id, since)
	if err != nil {
		if ctx.Err() == nil {
			l.log.Warn("open log stream", "err", err)
		}
		return
	}
	defer rc.Close()
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer stop()

	// The engine only honours whole seconds for since, so lines up to the
	// newest buffered one may be delivered again.
	l.mu.Lock()
	mark, hasMark := l.newestLocked()
	l.mu.Unlock()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	for sc.Scan() {
		line, stamped := l.parse(sc.Text())
		if stamped && hasMark && !line.Time.After(mark) {
			continue
		}
		l.append(gen, line)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		l.log.Debug("log stream closed", "err", err)
	}
}

// parse splits "<RFC 3339 timestamp> <text>" and reports whether the
// timestamp was valid. Other lines are stamped with the current time and
// kept whole when they have no separator.
func (l *LogStream) parse(raw string) (LogLine, bool) {
	raw = strings.TrimSuffix(raw, "\r")
	ts, text, found := strings.Cut(raw, " ")
	if !found {
		return LogLine{Time: l.now(), Text: raw}, false
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return LogLine{Time: l.now(), Text: text}, false
	}
	return LogLine{Time: t, Text: text}, true
}

func (l *LogStream) append(gen uint64, line LogLine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen || l.cancel == nil {
		// Superseded or stopped connection.
		return
	}
	if len(l.buf) < logBufferSize {
		l.buf = append(l.buf, line)
	} else {
		l.buf[l.head] = line
		l.head = (l.head + 1) % logBufferSize
	}
	l.lines.Publish(line)
}

func (l *LogStream) finish(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen == gen && l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *LogStream) newestLocked() (time.Time, bool) {
	if len(l.buf) == 0 {
		return time.Time{}, false
	}
	i := len(l.buf) - 1
	if len(l.buf) == logBufferSize {
		i = (l.head - 1 + logBufferSize) % logBufferSize
	}
	return l.buf[i].Time, true
}
