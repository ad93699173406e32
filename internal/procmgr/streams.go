package procmgr

import (
	"errors"
	"io"
	"os"
	"sync"
)

// readBufferSize is the buffer used for each OS read on stdout/stderr.
// Chunk boundaries are whatever the read call yields; no re-framing.
const readBufferSize = 32 * 1024

// streamBuffer is the per-stream channel capacity in chunks. It smooths
// bursts without unbounded buffering: once it is full the pump blocks, the
// OS pipe fills, and the child's own writes stall; backpressure end to end.
const streamBuffer = 4

// Streams are the owner's endpoints for the child's standard I/O, handed
// over exactly once inside the Started notification. Stdout and Stderr are
// finite, non-restartable chunk sequences that close when the underlying
// stream closes (at process exit or earlier). Decoding the bytes is the
// owner's business.
type Streams struct {
	Stdin  *StdinSink
	Stdout <-chan []byte
	Stderr <-chan []byte
}

// StdinSink is the owner's write end of the child's stdin.
//
// Writes go straight to the OS pipe from the caller's goroutine, so the
// pipe's own flow control is the backpressure and a blocked write can never
// stall the Manager's control path. Once termination begins, writes fail
// with ErrTerminated and the pipe is closed so the child sees EOF.
type StdinSink struct {
	m *Manager
	w *os.File

	sealOnce sync.Once
	sealed   sync.RWMutex // write-locked only while sealing
	closed   bool
}

func newStdinSink(m *Manager, w *os.File) *StdinSink {
	return &StdinSink{m: m, w: w}
}

// Write sends p to the child's stdin. It implements io.Writer.
func (s *StdinSink) Write(p []byte) (int, error) {
	s.sealed.RLock()
	closed := s.closed
	s.sealed.RUnlock()
	if closed || s.m.State() >= StateTerminating {
		return 0, ErrTerminated
	}

	n, err := s.w.Write(p)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			// Sealed while the write was in flight.
			return n, ErrTerminated
		}
		// The child closed its end (EPIPE) or the write failed outright;
		// the stream is done either way.
		s.seal()
		s.m.emit(StreamError{Stream: "stdin", Err: err})
		return n, err
	}
	return n, nil
}

// Close closes the child's stdin, delivering EOF. Safe to call repeatedly.
func (s *StdinSink) Close() error {
	s.seal()
	return nil
}

// seal marks the sink closed and closes the pipe's write end. Called from
// Close, from failed writes, and by the Manager once termination begins.
func (s *StdinSink) seal() {
	s.sealOnce.Do(func() {
		s.sealed.Lock()
		s.closed = true
		s.sealed.Unlock()
		s.w.Close()
	})
}

// pump copies the child's output into the owner's channel, one OS read per
// chunk. It closes the channel at EOF and reports any other read failure as
// a StreamError before closing. Sends are abandoned (chunks discarded) only
// after Stop, so a vanished owner cannot leak the goroutine.
func (m *Manager) pump(name string, r *os.File, out chan<- []byte) {
	defer m.pumps.Done()
	defer close(out)
	defer r.Close()

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case out <- chunk:
			case <-m.abandon:
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				m.logger.Debug("output stream closed", "name", m.cfg.Name, "stream", name)
				return
			}
			m.logger.Warn("output stream error",
				"name", m.cfg.Name,
				"stream", name,
				"error", err,
			)
			m.emit(StreamError{Stream: name, Err: err})
			return
		}
	}
}
