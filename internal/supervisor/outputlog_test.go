package supervisor

import (
	"bytes"
	"testing"
)

func chunk(stream, data string) Chunk {
	return Chunk{Stream: stream, Data: []byte(data)}
}

func TestOutputLog_AppendAndSnapshot(t *testing.T) {
	l := newOutputLog(1024)

	l.append(chunk("stdout", "one"))
	l.append(chunk("stderr", "two"))

	got := l.snapshot()
	if len(got) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(got))
	}
	if got[0].Stream != "stdout" || !bytes.Equal(got[0].Data, []byte("one")) {
		t.Errorf("chunk[0] = %+v, want stdout/one", got[0])
	}
	if got[1].Stream != "stderr" || !bytes.Equal(got[1].Data, []byte("two")) {
		t.Errorf("chunk[1] = %+v, want stderr/two", got[1])
	}
}

func TestOutputLog_TrimsOldest(t *testing.T) {
	l := newOutputLog(10)

	l.append(chunk("stdout", "aaaa"))
	l.append(chunk("stdout", "bbbb"))
	l.append(chunk("stdout", "cccc"))

	got := l.snapshot()
	var total int
	for _, c := range got {
		total += len(c.Data)
	}
	if total > 10 {
		t.Errorf("retained %d bytes, budget is 10", total)
	}
	// The newest chunk is always retained.
	if last := got[len(got)-1]; !bytes.Equal(last.Data, []byte("cccc")) {
		t.Errorf("newest chunk = %q, want cccc", last.Data)
	}
	// The oldest must have been dropped.
	if first := got[0]; bytes.Equal(first.Data, []byte("aaaa")) {
		t.Error("oldest chunk still retained past the budget")
	}
}

func TestOutputLog_KeepsOversizedChunk(t *testing.T) {
	l := newOutputLog(4)

	l.append(chunk("stdout", "this chunk alone exceeds the budget"))

	got := l.snapshot()
	if len(got) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(got))
	}
}

func TestOutputLog_SubscribeReplayThenLive(t *testing.T) {
	l := newOutputLog(1024)
	l.append(chunk("stdout", "early"))

	replay, live, cancel := l.subscribe(8)
	defer cancel()

	if len(replay) != 1 || !bytes.Equal(replay[0].Data, []byte("early")) {
		t.Fatalf("replay = %+v, want the early chunk", replay)
	}

	l.append(chunk("stdout", "late"))
	got := <-live
	if !bytes.Equal(got.Data, []byte("late")) {
		t.Errorf("live chunk = %q, want late", got.Data)
	}
}

func TestOutputLog_SubscribeAfterClose(t *testing.T) {
	l := newOutputLog(1024)
	l.append(chunk("stdout", "kept"))
	l.close()

	replay, live, cancel := l.subscribe(8)
	defer cancel()

	if len(replay) != 1 {
		t.Fatalf("replay len = %d, want 1", len(replay))
	}
	if _, ok := <-live; ok {
		t.Error("live channel delivered a chunk after close, want closed")
	}
}

func TestOutputLog_SlowSubscriberDoesNotBlock(t *testing.T) {
	l := newOutputLog(1024)

	_, live, cancel := l.subscribe(1)
	defer cancel()

	// With a buffer of 1, the second append must not block; the first
	// chunk is sacrificed instead.
	l.append(chunk("stdout", "first"))
	l.append(chunk("stdout", "second"))

	got := <-live
	if !bytes.Equal(got.Data, []byte("second")) {
		t.Errorf("surviving chunk = %q, want second", got.Data)
	}
}

func TestOutputLog_CancelStopsDelivery(t *testing.T) {
	l := newOutputLog(1024)

	_, live, cancel := l.subscribe(8)
	cancel()

	if _, ok := <-live; ok {
		t.Error("live channel open after cancel")
	}

	// Cancel twice is safe, and appends after cancel don't panic.
	cancel()
	l.append(chunk("stdout", "ignored"))
}

func TestOutputLog_CloseIdempotent(t *testing.T) {
	l := newOutputLog(1024)
	l.close()
	l.close()
	l.append(chunk("stdout", "dropped"))

	if got := l.snapshot(); len(got) != 0 {
		t.Errorf("snapshot after close = %+v, want empty", got)
	}
}
