package procexec

import (
	"reflect"
	"sync"
)

// ring is a bounded, append-only byte capture for one stream. Writes past
// the configured cap are discarded and the truncated flag is set.
type ring struct {
	mu        sync.Mutex
	buf       []byte
	cap       int64
	truncated bool
}

func newRing(capBytes int64) *ring {
	if capBytes <= 0 {
		capBytes = 4 << 20 // 4 MiB default.
	}
	return &ring{cap: capBytes}
}

// write appends chunk, truncating at the configured cap. Safe for
// concurrent use since the terminal flush and the live copy loop may both
// touch it (the copy loop is in practice single-goroutine per stream, but
// the guard costs nothing).
func (r *ring) write(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.cap - int64(len(r.buf))
	if room <= 0 {
		if len(chunk) > 0 {
			r.truncated = true
		}
		return
	}
	if int64(len(chunk)) > room {
		r.buf = append(r.buf, chunk[:room]...)
		r.truncated = true
		return
	}
	r.buf = append(r.buf, chunk...)
}

func (r *ring) snapshot() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out, r.truncated
}

// broadcaster fans one stream's chunks out to every live subscriber. Each
// subscriber gets its own generously buffered channel so a slow reader
// cannot stall the copy loop: backpressure is handled by bounding the
// buffer and dropping events for a slow subscriber rather than blocking
// the process being captured. A dropped subscriber still gets the full
// capture via Snapshot/meta.json after completion.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
	last   Event // most recently published event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[chan Event]struct{}{}}
}

// subscribe registers a new subscriber channel. After closeAll has run, the
// returned channel instead holds the last published event (the terminal
// complete event) and is already closed.
func (b *broadcaster) subscribe() chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch <- b.last
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// unsubscribeChan removes ch from subs, comparing channel identity across
// the directional-vs-bidirectional type difference between what callers
// hold (<-chan Event, from Executor.Subscribe) and what subs is keyed by
// (chan Event, from subscribe) via their underlying pointer.
func (b *broadcaster) unsubscribeChan(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := reflect.ValueOf(ch).Pointer()
	for c := range b.subs {
		if reflect.ValueOf(c).Pointer() == target {
			delete(b.subs, c)
			return
		}
	}
}

// publish delivers ev to every current subscriber without blocking; a
// subscriber whose buffer is full has the event dropped for it rather than
// stalling the other subscribers or the copy loop.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = ev
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeAll closes and forgets every subscriber channel, called once after
// the terminal complete event has been published.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
	}
	b.subs = map[chan Event]struct{}{}
	b.closed = true
}
