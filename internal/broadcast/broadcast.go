// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broadcast implements the Broadcaster: best-effort fan-out of
// ExecutionUpdate and ScreenshotFrame events to every subscriber, never
// blocking the publisher. A single global subscriber set carries both
// event types — subscriptions cover all execution events, not one run's
// stream.
package broadcast

import (
	"sync"
	"time"

	"github.com/fieldkit-run/fieldkit/internal/state"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// heartbeatInterval is how often a subscriber with no other traffic
// receives a synthetic keepalive.
const heartbeatInterval = 30 * time.Second

// subscriberTimeout is how long a subscriber may go without any read
// activity before it is deregistered.
const subscriberTimeout = 90 * time.Second

// Heartbeat is sent on a subscriber's channel when nothing else has been
// published to it for heartbeatInterval.
type Heartbeat struct {
	Timestamp time.Time
}

// ActiveRunLister supplies the synthesized snapshot a late subscriber
// receives for each currently-active run. Past screenshots are never
// replayed. internal/manager implements this.
type ActiveRunLister interface {
	ActiveSnapshots() []state.Snapshot
}

type subscriber struct {
	ch          chan interface{}
	mu          sync.Mutex
	lastContact time.Time
	lastEvent   time.Time
	dropped     int
	closeOnce   sync.Once
}

// close shuts the subscriber's channel exactly once, no matter which of
// unsubscribe, the stale-subscriber sweep, or Broadcaster.Close gets
// there first (or how many of them do).
func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Broadcaster fans events out to subscribers registered via Subscribe.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan interface{}]*subscriber
	lister ActiveRunLister

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Broadcaster. lister may be nil, in which case late
// subscribers receive no synthesized snapshots (useful for tests that
// don't need the backfill behavior).
func New(lister ActiveRunLister) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[chan interface{}]*subscriber),
		lister: lister,
		stopCh: make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a new subscriber and returns its channel plus an
// idempotent unsubscribe function. The channel is immediately backfilled
// with one ExecutionUpdate per currently active run.
func (b *Broadcaster) Subscribe() (<-chan interface{}, func()) {
	ch := make(chan interface{}, DefaultBufferSize)
	now := time.Now()
	sub := &subscriber{ch: ch, lastContact: now, lastEvent: now}

	b.mu.Lock()
	b.subs[ch] = sub
	b.mu.Unlock()

	if b.lister != nil {
		for _, snap := range b.lister.ActiveSnapshots() {
			sub.send(state.ExecutionUpdate{
				ExecutionID: snap.ExecutionID,
				Snapshot:    snap,
				Timestamp:   time.Now(),
			})
		}
	}

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		sub.close()
	}
	return ch, unsub
}

// Publish fans event out to every current subscriber without blocking.
// A subscriber whose buffer is full has the event dropped and its drop
// counter incremented; it is never unsubscribed purely for being slow
// (that's subscriberTimeout's job, driven by read activity instead).
func (b *Broadcaster) Publish(event interface{}) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.send(event)
	}
}

func (s *subscriber) send(event interface{}) {
	select {
	case s.ch <- event:
		s.mu.Lock()
		s.lastEvent = time.Now()
		s.mu.Unlock()
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// sendKeepalive is the heartbeat variant of send: it does not advance
// lastEvent (heartbeats keep flowing while the subscriber stays idle)
// and a full buffer simply drops it without counting.
func (s *subscriber) sendKeepalive(hb Heartbeat) {
	select {
	case s.ch <- hb:
	default:
	}
}

// Touch records read activity from a subscriber's channel, resetting its
// silence timer. Callers that drain a subscriber's channel should call
// this on every receive.
func (b *Broadcaster) Touch(ch <-chan interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c, s := range b.subs {
		if c == ch {
			s.mu.Lock()
			s.lastContact = time.Now()
			s.mu.Unlock()
			return
		}
	}
}

// DroppedCount reports how many events have been dropped for the
// subscriber owning ch, or 0 if ch is unknown (already unsubscribed).
func (b *Broadcaster) DroppedCount(ch <-chan interface{}) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c, s := range b.subs {
		if c == ch {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.dropped
		}
	}
	return 0
}

// SubscriberCount reports the number of currently registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// TotalDropped sums the per-subscriber drop counters across every current
// subscriber, for the playbookd_broadcast_drops_total gauge.
func (b *Broadcaster) TotalDropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, s := range b.subs {
		s.mu.Lock()
		total += s.dropped
		s.mu.Unlock()
	}
	return total
}

// Close stops the heartbeat loop and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, s := range b.subs {
		s.close()
		delete(b.subs, ch)
	}
}

func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			b.tick(now)
		}
	}
}

func (b *Broadcaster) tick(now time.Time) {
	b.mu.Lock()
	var stale []*subscriber
	for ch, s := range b.subs {
		s.mu.Lock()
		silentFor := now.Sub(s.lastContact)
		idleFor := now.Sub(s.lastEvent)
		s.mu.Unlock()
		if silentFor >= subscriberTimeout {
			stale = append(stale, s)
			delete(b.subs, ch)
			continue
		}
		if idleFor < heartbeatInterval {
			continue
		}
		s.sendKeepalive(Heartbeat{Timestamp: now})
	}
	b.mu.Unlock()

	for _, s := range stale {
		s.close()
	}
}
