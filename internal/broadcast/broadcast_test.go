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

package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit-run/fieldkit/internal/state"
)

func TestBroadcaster_PublishFanOutToAllSubscribers(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish(state.ExecutionUpdate{ExecutionID: "e1"})

	select {
	case ev := <-ch1:
		assert.Equal(t, state.ExecutionUpdate{ExecutionID: "e1"}, ev)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 never received event")
	}
	select {
	case ev := <-ch2:
		assert.Equal(t, state.ExecutionUpdate{ExecutionID: "e1"}, ev)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 never received event")
	}
}

func TestBroadcaster_UnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, unsub := b.Subscribe()
	unsub()
	unsub() // must not panic on double-close

	_, open := <-ch
	assert.False(t, open, "channel must be closed after unsubscribe")
}

func TestBroadcaster_OverflowDropsRatherThanBlocksPublisher(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < DefaultBufferSize+10; i++ {
		b.Publish(state.ExecutionUpdate{ExecutionID: "e1"})
	}

	assert.Equal(t, 10, b.DroppedCount(ch))
	assert.Len(t, ch, DefaultBufferSize)
}

type fakeLister struct{ snaps []state.Snapshot }

func (f fakeLister) ActiveSnapshots() []state.Snapshot { return f.snaps }

func TestBroadcaster_LateSubscriberReceivesSynthesizedSnapshot(t *testing.T) {
	lister := fakeLister{snaps: []state.Snapshot{
		{ExecutionID: "e1", Status: state.RunRunning},
		{ExecutionID: "e2", Status: state.RunPaused},
	}}
	b := New(lister)
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	require.Len(t, ch, 2)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := (<-ch).(state.ExecutionUpdate)
		seen[ev.ExecutionID] = true
	}
	assert.True(t, seen["e1"])
	assert.True(t, seen["e2"])
}

func TestBroadcaster_HeartbeatOnlyForIdleSubscribers(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(state.ExecutionUpdate{ExecutionID: "e1"})
	require.Len(t, ch, 1)

	// A subscriber that just received a real event gets no keepalive.
	b.tick(time.Now())
	assert.Len(t, ch, 1, "recently-served subscriber must not receive a heartbeat")

	// Once it has been idle past the heartbeat interval, it does.
	b.tick(time.Now().Add(heartbeatInterval + time.Second))
	require.Len(t, ch, 2)
	<-ch
	_, ok := (<-ch).(Heartbeat)
	assert.True(t, ok, "idle subscriber must receive a heartbeat")
}

func TestBroadcaster_StaleSweepThenUnsubscribeClosesOnce(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, unsub := b.Subscribe()

	// Well past the liveness timeout: the sweep deregisters and closes.
	b.tick(time.Now().Add(subscriberTimeout + time.Second))
	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-ch
	assert.False(t, open, "stale subscriber's channel must be closed")

	unsub() // must not panic: the sweep already closed the channel
}

func TestBroadcaster_SubscriberCountTracksLifecycle(t *testing.T) {
	b := New(nil)
	defer b.Close()

	assert.Equal(t, 0, b.SubscriberCount())
	_, unsub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())
	unsub()
	assert.Equal(t, 0, b.SubscriberCount())
}
