package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/smithrun/smith/internal/engine"
)

// SequencedEvent pairs a run event with its position in the run's
// stream. Seq is 1-based and stable, so SSE clients can resume from
// their last seen id after a disconnect.
type SequencedEvent struct {
	Seq   int
	Event engine.Event
}

// Broadcaster fans out run events to multiple SSE clients. One
// Broadcaster per run. Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []engine.Event
	clients map[uint64]chan SequencedEvent
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on real broadcaster Close(), not slow-client drops
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan SequencedEvent),
		doneCh:  make(chan struct{}),
	}
}

// Emit implements engine.EventSink. Called by the scheduler for every
// run event.
func (b *Broadcaster) Emit(ev engine.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	seq := len(b.history)
	for id, ch := range b.clients {
		select {
		case ch <- SequencedEvent{Seq: seq, Event: ev}:
		default:
			// Slow client: drop to prevent blocking the scheduler.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an
// unsubscribe function. The events channel first replays history after
// afterSeq (0 replays everything), then carries live events. The done
// channel is closed only when the broadcaster is closed (run
// finished), NOT when a slow client is dropped. This lets callers
// distinguish the two cases.
func (b *Broadcaster) Subscribe(afterSeq int) (<-chan SequencedEvent, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if afterSeq < 0 || afterSeq > len(b.history) {
		afterSeq = 0
	}

	ch := make(chan SequencedEvent, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Replay history past the resume point. Channel is sized to fit
	// all history plus live headroom, so this never blocks while
	// holding the mutex.
	for i := afterSeq; i < len(b.history); i++ {
		ch <- SequencedEvent{Seq: i + 1, Event: b.history[i]}
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more events will be sent. All client channels
// are closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all events received so far.
func (b *Broadcaster) History() []engine.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]engine.Event, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams events from a Broadcaster to an HTTP response as
// Server-Sent Events. Each frame carries the event's sequence number
// as its SSE id; a reconnecting client's Last-Event-ID header resumes
// the stream after the last frame it saw.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq := 0
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.Atoi(last); err == nil && n > 0 {
			afterSeq = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe(afterSeq)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case sev, ok := <-events:
			if !ok {
				// Channel closed. Only emit "done" if the broadcaster
				// actually finished (vs. this client being dropped for
				// slowness).
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
					// Slow-client drop, disconnect silently.
				}
				return
			}
			data, err := json.Marshal(sev.Event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", sev.Seq, sev.Event.Type, data)
			flusher.Flush()
		}
	}
}
