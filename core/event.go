package core

// event.go – the single-threaded cooperative scheduler. Registered tasks
// run non-preemptively on a 1s tick: every event whose nextExecuteTimeMs has
// elapsed runs to completion before the next tick is even considered, so two
// registered tasks never execute concurrently with each other (System's
// flows rely on this to stay safe to re-run without their own locking).
//
// Grounded on the teacher's SyncManager start/stop/loop shape
// (core/blockchain_synchronization.go), generalized from "one hardcoded
// sync loop" to "a queue of named, whitelisted tasks with independent
// intervals and jitter".

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EventStatus is the lifecycle state of one registered event's most recent
// run.
type EventStatus string

const (
	EventIdle  EventStatus = "idle"
	EventRun   EventStatus = "run"
	EventDone  EventStatus = "done"
	EventError EventStatus = "error"
)

// EventTask is a whitelisted closure a registered event invokes. methodPath
// is carried alongside purely for introspection/logging — the closure
// itself is what actually runs, there is no string-keyed dynamic dispatch.
type EventTask func(ctx context.Context) error

// eventEntry is one registered task and its scheduling state.
type eventEntry struct {
	eventId          string
	methodPath       string
	task             EventTask
	minIntervalMs    int64
	nextExecuteTimeMs int64
	status           EventStatus
	executionResult  error
	exitOnError      bool
}

// EventLoop is the cooperative scheduler described in §4.7: a 1s tick, a
// registry of tasks each with its own minimum interval plus up to 60s of
// jitter, and a drain-on-shutdown handshake via runcounter.
type EventLoop struct {
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[string]*eventEntry
	order   []string // registration order, for deterministic tick iteration

	runcounter int64 // incremented on task entry, decremented on exit

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventLoop constructs an idle event loop; call Start to begin ticking.
func NewEventLoop(logger *logrus.Logger) *EventLoop {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventLoop{logger: logger, entries: make(map[string]*eventEntry)}
}

// Register adds a task under eventId with the given minimum interval.
// methodPath is a descriptive whitelisted name (e.g. "System.postDeliveryPool")
// used only for logging; re-registering an eventId replaces it.
func (e *EventLoop) Register(eventId, methodPath string, minInterval time.Duration, exitOnError bool, task EventTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.entries[eventId]; !exists {
		e.order = append(e.order, eventId)
	}
	e.entries[eventId] = &eventEntry{
		eventId:           eventId,
		methodPath:        methodPath,
		task:              task,
		minIntervalMs:     minInterval.Milliseconds(),
		nextExecuteTimeMs: nowMs(),
		status:            EventIdle,
		exitOnError:       exitOnError,
	}
}

// Unregister removes a single task; an in-flight run is allowed to finish.
func (e *EventLoop) Unregister(eventId string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, eventId)
	for i, id := range e.order {
		if id == eventId {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Start begins the 1s tick loop in a background goroutine.
func (e *EventLoop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx)
}

func (e *EventLoop) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs every registered task whose nextExecuteTimeMs has elapsed, in
// registration order, each to completion before considering the next.
func (e *EventLoop) tick(ctx context.Context) {
	now := nowMs()
	e.mu.Lock()
	due := make([]*eventEntry, 0)
	for _, id := range e.order {
		entry, ok := e.entries[id]
		if ok && now >= entry.nextExecuteTimeMs {
			due = append(due, entry)
		}
	}
	e.mu.Unlock()

	for _, entry := range due {
		e.runOne(ctx, entry)
	}
}

func (e *EventLoop) runOne(ctx context.Context, entry *eventEntry) {
	atomic.AddInt64(&e.runcounter, 1)
	defer atomic.AddInt64(&e.runcounter, -1)

	e.mu.Lock()
	entry.status = EventRun
	e.mu.Unlock()

	err := entry.task(ctx)

	e.mu.Lock()
	entry.executionResult = err
	if err != nil {
		entry.status = EventError
		e.logger.Warnf("event: %s (%s) failed: %v", entry.eventId, entry.methodPath, err)
	} else {
		entry.status = EventDone
	}
	jitter := time.Duration(rand.Int63n(int64(60*time.Second))/int64(time.Millisecond)) * time.Millisecond
	entry.nextExecuteTimeMs = nowMs() + entry.minIntervalMs + jitter.Milliseconds()
	exitOnError := entry.exitOnError
	e.mu.Unlock()

	if err != nil && exitOnError {
		e.logger.Errorf("event: %s configured exitOnError, stopping loop", entry.eventId)
		if e.cancel != nil {
			e.cancel()
		}
	}
}

// Clear removes every registered task; in-flight runs are unaffected, they
// simply have nothing left to reschedule into once they finish.
func (e *EventLoop) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make(map[string]*eventEntry)
	e.order = nil
}

// Stop cancels the tick loop and waits for it to exit.
func (e *EventLoop) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// UnregisterAllInternalEvents clears the queue (stopping new invocations)
// then polls runcounter, waiting up to 60s for any in-flight task to drain.
func (e *EventLoop) UnregisterAllInternalEvents(ctx context.Context) error {
	e.Clear()
	deadline := time.Now().Add(60 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt64(&e.runcounter) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return NewErr(KindInternal, "EventLoop", "unregisterAllInternalEvents", "DrainTimeout", "in-flight events did not drain within 60s", nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status reports the current status/result of one registered event, for
// admin introspection.
func (e *EventLoop) Status(eventId string) (EventStatus, error, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[eventId]
	if !ok {
		return "", nil, false
	}
	return entry.status, entry.executionResult, true
}

func nowMs() int64 { return time.Now().UnixMilli() }
