package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestEventLoopRunsDueTasks(t *testing.T) {
	e := NewEventLoop(logrus.New())
	var runs int64
	e.Register("t1", "Test.task", 0, false, func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	e.tick(context.Background())
	if atomic.LoadInt64(&runs) != 1 {
		t.Fatalf("expected the task to run once on a due tick, got %d", runs)
	}
	status, _, ok := e.Status("t1")
	if !ok || status != EventDone {
		t.Fatalf("expected status done, got %v ok=%v", status, ok)
	}
}

func TestEventLoopSkipsNotYetDueTasks(t *testing.T) {
	e := NewEventLoop(logrus.New())
	var runs int64
	e.Register("t1", "Test.task", time.Hour, false, func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	// First tick runs it immediately (nextExecuteTimeMs starts at now).
	e.tick(context.Background())
	if atomic.LoadInt64(&runs) != 1 {
		t.Fatalf("expected exactly one run on the first tick, got %d", runs)
	}
	// Scheduled an hour out: an immediate second tick must not re-run it.
	e.tick(context.Background())
	if atomic.LoadInt64(&runs) != 1 {
		t.Fatalf("expected the task to stay scheduled for its minInterval, got %d runs", runs)
	}
}

func TestEventLoopRecordsErrorStatus(t *testing.T) {
	e := NewEventLoop(logrus.New())
	e.Register("t1", "Test.task", 0, false, func(ctx context.Context) error {
		return NewErr(KindInternal, "Test", "task", "Fail", "boom", nil)
	})
	e.tick(context.Background())
	status, err, ok := e.Status("t1")
	if !ok || status != EventError || err == nil {
		t.Fatalf("expected status error with a recorded err, got %v %v ok=%v", status, err, ok)
	}
}

func TestUnregisterRemovesTask(t *testing.T) {
	e := NewEventLoop(logrus.New())
	e.Register("t1", "Test.task", 0, false, func(ctx context.Context) error { return nil })
	e.Unregister("t1")
	if _, _, ok := e.Status("t1"); ok {
		t.Fatalf("expected the task to be gone after Unregister")
	}
}

func TestClearRemovesEveryTask(t *testing.T) {
	e := NewEventLoop(logrus.New())
	e.Register("t1", "Test.task1", 0, false, func(ctx context.Context) error { return nil })
	e.Register("t2", "Test.task2", 0, false, func(ctx context.Context) error { return nil })
	e.Clear()
	if _, _, ok := e.Status("t1"); ok {
		t.Fatalf("expected t1 gone after Clear")
	}
	if _, _, ok := e.Status("t2"); ok {
		t.Fatalf("expected t2 gone after Clear")
	}
}

func TestUnregisterAllInternalEventsDrainsRuncounter(t *testing.T) {
	e := NewEventLoop(logrus.New())
	started := make(chan struct{})
	release := make(chan struct{})
	e.Register("slow", "Test.slow", 0, false, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	go e.tick(context.Background())
	<-started
	done := make(chan error, 1)
	go func() { done <- e.UnregisterAllInternalEvents(context.Background()) }()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("expected a clean drain, got %v", err)
	}
}
