package supervisor

import "sync"

// Chunk is one piece of process output, tagged with its source stream.
type Chunk struct {
	// Stream is "stdout" or "stderr".
	Stream string `json:"stream"`

	// Data is the raw bytes as read from the process. Chunk boundaries
	// carry no meaning.
	Data []byte `json:"data"`
}

// outputLog retains a bounded window of recent output chunks and fans
// live chunks out to subscribers.
//
// Appends and subscriptions share one mutex, so a subscriber sees every
// chunk exactly once: first the retained window as replay, then live
// chunks on its channel, with no gap and no duplication in between.
//
// Slow subscribers never block an append. When a subscriber's channel
// is full the oldest buffered chunk is dropped to make room.
type outputLog struct {
	mu       sync.Mutex
	maxBytes int
	chunks   []Chunk
	size     int
	subs     map[chan Chunk]struct{}
	closed   bool
}

func newOutputLog(maxBytes int) *outputLog {
	return &outputLog{
		maxBytes: maxBytes,
		subs:     make(map[chan Chunk]struct{}),
	}
}

// append stores a chunk in the retained window and delivers it to all
// current subscribers. The chunk's data must not be mutated afterwards.
func (l *outputLog) append(c Chunk) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.chunks = append(l.chunks, c)
	l.size += len(c.Data)
	for l.size > l.maxBytes && len(l.chunks) > 1 {
		l.size -= len(l.chunks[0].Data)
		l.chunks[0] = Chunk{}
		l.chunks = l.chunks[1:]
	}

	for ch := range l.subs {
		select {
		case ch <- c:
		default:
			// Full subscriber: drop its oldest chunk, then deliver.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- c:
			default:
			}
		}
	}
}

// subscribe returns the retained window plus a channel of live chunks.
// The channel is closed when the log closes or cancel is called.
// If the log is already closed, the returned channel is closed and the
// replay holds everything that was retained.
func (l *outputLog) subscribe(buffer int) (replay []Chunk, live <-chan Chunk, cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	replay = make([]Chunk, len(l.chunks))
	copy(replay, l.chunks)

	ch := make(chan Chunk, buffer)
	if l.closed {
		close(ch)
		return replay, ch, func() {}
	}

	l.subs[ch] = struct{}{}
	cancel = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
	}
	return replay, ch, cancel
}

// snapshot returns a copy of the retained window.
func (l *outputLog) snapshot() []Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Chunk, len(l.chunks))
	copy(out, l.chunks)
	return out
}

// close ends all subscriptions. Retained chunks stay readable via
// snapshot and subscribe replay.
func (l *outputLog) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for ch := range l.subs {
		close(ch)
	}
	l.subs = nil
}
