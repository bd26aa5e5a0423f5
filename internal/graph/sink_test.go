package graph

import (
	"testing"
	"time"

	"github.com/sickgreg/pixelpilot-mini-rk/media"
)

func au(tag byte) *media.AccessUnit {
	return &media.AccessUnit{Data: []byte{0, 0, 0, 1, tag}, PTS: int64(tag)}
}

func TestSinkDropOldestOnOverflow(t *testing.T) {
	t.Parallel()
	s := NewAUSink(2)
	defer s.Close()

	s.Push(au(1))
	s.Push(au(2))
	s.Push(au(3)) // evicts 1

	if got := s.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}

	first, ok := s.Pull(time.Second)
	if !ok || first.PTS != 2 {
		t.Fatalf("first pull: ok=%v pts=%v, want 2", ok, first)
	}
	second, ok := s.Pull(time.Second)
	if !ok || second.PTS != 3 {
		t.Fatalf("second pull: ok=%v, want pts 3", ok)
	}
}

func TestSinkPullTimeout(t *testing.T) {
	t.Parallel()
	s := NewAUSink(2)
	defer s.Close()

	start := time.Now()
	_, ok := s.Pull(20 * time.Millisecond)
	if ok {
		t.Fatal("pull returned an AU from an empty sink")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("pull returned before the timeout")
	}
}

func TestSinkDefaultCapacity(t *testing.T) {
	t.Parallel()
	s := NewAUSink(0)
	defer s.Close()

	for i := byte(0); i < defaultSinkBuffers+1; i++ {
		s.Push(au(i))
	}
	if got := s.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestSinkCloseWakesPuller(t *testing.T) {
	t.Parallel()
	s := NewAUSink(2)
	s.Push(au(9))
	s.Close()
	s.Close() // idempotent

	// Buffered AU still drains after close.
	got, ok := s.Pull(time.Second)
	if !ok || got.PTS != 9 {
		t.Fatalf("pull after close: ok=%v", ok)
	}

	// Then pulls return immediately.
	start := time.Now()
	if _, ok := s.Pull(time.Second); ok {
		t.Fatal("pull succeeded on drained closed sink")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("pull blocked on closed sink")
	}

	// Push after close is a no-op.
	s.Push(au(1))
	if got := s.Len(); got != 0 {
		t.Fatalf("Len after closed push = %d", got)
	}
}
