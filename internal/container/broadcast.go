package container

import "sync"

// Broadcaster fans values out to any number of subscribers. Publish never
// blocks: every subscriber owns an unbounded queue drained by its own
// goroutine. With replay enabled, new subscribers first receive the last
// published value.
type Broadcaster[T any] struct {
	mu      sync.Mutex
	replay  bool
	last    T
	hasLast bool
	subs    map[*subscriber[T]]struct{}
}

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	out    chan T
}

func NewBroadcaster[T any](replay bool) *Broadcaster[T] {
	return &Broadcaster[T]{
		replay: replay,
		subs:   make(map[*subscriber[T]]struct{}),
	}
}

// Publish delivers v to every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replay {
		b.last = v
		b.hasLast = true
	}
	for s := range b.subs {
		s.push(v)
	}
}

// Value returns the last published value when replay is enabled.
func (b *Broadcaster[T]) Value() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Subscribe registers a subscriber. The returned channel is closed after the
// cancel function is called; cancel may be called more than once.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}

	b.mu.Lock()
	if b.hasLast {
		s.push(b.last)
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()

	cancel := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.done)
		})
	}
	return s.out, cancel
}

// Len returns the number of current subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pump() {
	defer close(s.out)
	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
