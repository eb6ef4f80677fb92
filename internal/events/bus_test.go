package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_BroadcastToAllSubscribers(t *testing.T) {
	bus := NewBus(4)
	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Emit(SnapSynced{LocalID: "1"})

	assert.Equal(t, SnapSynced{LocalID: "1"}, <-a)
	assert.Equal(t, SnapSynced{LocalID: "1"}, <-b)
}

func TestBus_LateSubscriberGetsNoReplay(t *testing.T) {
	bus := NewBus(4)
	bus.Emit(SyncStarted{TaskCount: 2})

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Emit(SyncCompleted{SuccessCount: 2})

	ev := <-ch
	assert.Equal(t, KindSyncCompleted, ev.Kind())
	assert.Len(t, ch, 0)
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Emit(SyncStarted{TaskCount: 1})
	bus.Emit(SyncStarted{TaskCount: 2}) // dropped

	ev := <-ch
	assert.Equal(t, SyncStarted{TaskCount: 1}, ev)
	assert.Len(t, ch, 0)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe()
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())

	// emitting with no subscribers is fine
	bus.Emit(SyncFailed{Err: errors.New("offline")})
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(1)
	ch, _ := bus.Subscribe()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	bus.Emit(ConnectivityChanged{Connected: true})

	after, _ := bus.Subscribe()
	_, ok = <-after
	assert.False(t, ok)
}

func TestBus_NilSafe(t *testing.T) {
	var bus *Bus
	require.NotPanics(t, func() { bus.Emit(SnapDeleted{LocalID: "1"}) })
}

func TestBus_ConcurrentEmit(t *testing.T) {
	bus := NewBus(1000)
	ch, cancel := bus.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(SnapSynced{LocalID: "x"})
		}()
	}
	wg.Wait()

	assert.Len(t, ch, 50)
}
