package updater

import (
	"context"
	"sync"

	"github.com/justapithecus/skiff/types"
)

// coalesce appends ev to q, replacing the tail when both are plain progress
// events of the same phase. Phase changes, warnings and failures are kept.
func coalesce(q []types.Event, ev types.Event) []types.Event {
	if n := len(q); n > 0 && replaceable(q[n-1], ev) {
		q[n-1] = ev
		return q
	}
	return append(q, ev)
}

func replaceable(prev, next types.Event) bool {
	return prev.Phase == next.Phase &&
		prev.Warning == "" && next.Warning == "" &&
		prev.Err == nil && next.Err == nil
}

// broadcaster fans session events out to subscribers. Publishing never
// blocks: each subscriber owns a coalescing queue drained by its own goroutine.
type broadcaster struct {
	mu      sync.Mutex
	history []types.Event
	subs    map[*subscriber]struct{}
	closed  bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*subscriber]struct{})}
}

func (b *broadcaster) publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = coalesce(b.history, ev)
	for s := range b.subs {
		s.push(ev)
	}
}

// close ends every stream once its queue is drained.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.finish()
	}
}

// subscribe replays the coalesced history, then follows live events.
func (b *broadcaster) subscribe(ctx context.Context) <-chan types.Event {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan types.Event),
	}

	b.mu.Lock()
	s.queue = append([]types.Event(nil), b.history...)
	if b.closed {
		s.closed = true
	} else {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()

	go s.pump(ctx, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	})
	return s.out
}

type subscriber struct {
	mu     sync.Mutex
	queue  []types.Event
	closed bool
	wake   chan struct{}
	out    chan types.Event
}

func (s *subscriber) push(ev types.Event) {
	s.mu.Lock()
	s.queue = coalesce(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(ctx context.Context, detach func()) {
	defer close(s.out)
	defer detach()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
