// Package buffer holds the time-ordered log of lobby updates and replays it
// to the single updates subscriber.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ernie/spring-autohost/internal/domain"
)

var (
	// ErrCallbackAlreadySet is returned by Subscribe while a subscription
	// is active.
	ErrCallbackAlreadySet = errors.New("callback_already_set")
	// ErrTooFarInThePast is returned by Subscribe when the requested
	// starting point is older than the retention window (now minus maxAge).
	ErrTooFarInThePast = errors.New("too_far_in_the_past")
)

// Callback receives one buffered update. The push path waits for it, so a
// slow callback applies backpressure all the way to the producers. Returning
// an error is a programming error and panics.
type Callback func(domain.BufferedUpdate) error

// Buffer is a bounded, time-keyed, single-subscriber event log. Timestamps
// are microseconds, strictly monotonic within the process: each push is
// stamped max(now, last+1). Events older than maxAge are evicted, at most
// once per dropping interval.
//
// All methods serialize on one lock; a push that is delivering to the
// callback blocks concurrent pushes, which is the intended backpressure and
// also guarantees nothing is evicted under an in-flight delivery.
type Buffer struct {
	maxAge   time.Duration
	dropping time.Duration

	mu       sync.Mutex
	events   []domain.BufferedUpdate
	lastTime int64
	lastDrop int64
	callback Callback

	// nowFn reads the clock in microseconds. The default derives from a
	// wall-clock base advanced by the monotonic reading, so timestamps
	// keep the public wall-clock format but never jump backwards.
	nowFn func() int64
}

// New creates a buffer retaining maxAge of history. The eviction scan runs
// at most once per maxAge/10.
func New(maxAge time.Duration) *Buffer {
	epoch := time.Now()
	base := epoch.UnixMicro()
	b := &Buffer{
		maxAge:   maxAge,
		dropping: maxAge / 10,
		nowFn: func() int64 {
			return base + time.Since(epoch).Microseconds()
		},
	}
	b.lastDrop = b.nowFn()
	return b
}

// Push stamps and appends one update and delivers it to the subscriber, if
// any. Push returns once the subscriber's callback has completed.
func (b *Buffer) Push(battleID string, update domain.Update) domain.BufferedUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.nowFn()
	if ts <= b.lastTime {
		ts = b.lastTime + 1
	}
	b.lastTime = ts

	ev := domain.BufferedUpdate{Time: ts, BattleID: battleID, Update: update}
	b.events = append(b.events, ev)

	if b.callback != nil {
		b.deliver(ev)
	}
	b.maybeEvict()
	return ev
}

// Subscribe replays every stored event newer than since (microseconds),
// then keeps delivering future pushes until Unsubscribe.
func (b *Buffer) Subscribe(since int64, cb Callback) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callback != nil {
		return ErrCallbackAlreadySet
	}
	if since < b.nowFn()-b.maxAge.Microseconds() {
		return fmt.Errorf("%w: requested %d", ErrTooFarInThePast, since)
	}

	b.callback = cb
	for _, ev := range b.events {
		if ev.Time > since {
			b.deliver(ev)
		}
	}
	return nil
}

// Unsubscribe detaches the subscriber. No further deliveries happen after
// it returns.
func (b *Buffer) Unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = nil
}

// Len returns the number of retained events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *Buffer) deliver(ev domain.BufferedUpdate) {
	if err := b.callback(ev); err != nil {
		// The callback contract says it must not fail.
		panic(fmt.Sprintf("updates subscriber callback failed: %v", err))
	}
}

// maybeEvict drops events past maxAge, rate-limited so a busy push path does
// not rescan the log on every event.
func (b *Buffer) maybeEvict() {
	now := b.nowFn()
	if now-b.lastDrop < b.dropping.Microseconds() {
		return
	}
	b.lastDrop = now

	cutoff := now - b.maxAge.Microseconds()
	i := 0
	for i < len(b.events) && b.events[i].Time < cutoff {
		i++
	}
	if i > 0 {
		b.events = append(b.events[:0:0], b.events[i:]...)
	}
}
