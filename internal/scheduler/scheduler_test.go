package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingResetter struct {
	calls atomic.Int32
	err   error
}

func (c *countingResetter) Reset(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterReset(t *testing.T) {
	s := NewScheduler(&countingResetter{}, quietLogger())
	if err := s.RegisterReset(""); err != nil {
		t.Fatalf("empty expression: %v", err)
	}
	if n := len(s.cron.Entries()); n != 0 {
		t.Fatalf("entries = %d", n)
	}
	if err := s.RegisterReset("0 0 0 * * *"); err != nil {
		t.Fatalf("daily expression: %v", err)
	}
	if err := s.RegisterReset("every tuesday"); err == nil {
		t.Fatal("expected parse error")
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Fatalf("entries = %d", n)
	}
}

func TestScheduler_RunsReset(t *testing.T) {
	r := &countingResetter{}
	s := NewScheduler(r, quietLogger())
	if err := s.RegisterReset("* * * * * *"); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for r.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reset never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestResetTask_ErrorIsLogged(t *testing.T) {
	r := &countingResetter{err: errors.New("store down")}
	s := NewScheduler(r, quietLogger())
	s.resetTask()
	if r.calls.Load() != 1 {
		t.Fatalf("calls = %d", r.calls.Load())
	}
}
