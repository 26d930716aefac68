package ml

import (
	"errors"
	"testing"
	"time"
)

func TestStreamGoWait(t *testing.T) {
	s := NewStream("test")
	ran := false
	s.Go(func() error {
		ran = true
		return nil
	})
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if !ran {
		t.Error("Go's function should have run before Wait returns")
	}
}

func TestStreamWaitPropagatesError(t *testing.T) {
	want := errors.New("boom")
	s := NewStream("test")
	s.Go(func() error { return want })

	if err := s.Wait(); !errors.Is(err, want) {
		t.Errorf("Wait() = %v, want %v", err, want)
	}
}

func TestBarrierWaitsForAllStreams(t *testing.T) {
	var fastDone, slowDone bool

	fast := NewStream("fast")
	fast.Go(func() error {
		fastDone = true
		return nil
	})

	slow := NewStream("slow")
	slow.Go(func() error {
		time.Sleep(10 * time.Millisecond)
		slowDone = true
		return nil
	})

	if err := Barrier(fast, slow); err != nil {
		t.Fatalf("Barrier returned error: %v", err)
	}
	if !fastDone || !slowDone {
		t.Error("Barrier should not return until every stream has completed")
	}
}

func TestBarrierReturnsFirstError(t *testing.T) {
	want := errors.New("reconstruction failed")

	ok := NewStream("ok")
	ok.Go(func() error { return nil })

	failing := NewStream("failing")
	failing.Go(func() error { return want })

	if err := Barrier(ok, failing); !errors.Is(err, want) {
		t.Errorf("Barrier() = %v, want it to wrap %v", err, want)
	}
}
