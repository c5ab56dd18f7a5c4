package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_DeliversByKind(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []Kind
	unsub := bus.Subscribe(FileWritten, func(e Event) {
		mu.Lock()
		got = append(got, e.Kind)
		mu.Unlock()
	})

	bus.Emit(Event{Kind: GenerationStart})
	bus.Emit(Event{Kind: FileWritten, Path: "src/App.tsx"})
	unsub() // drains

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{FileWritten}, got)
}

func TestBus_SubscribeAllSeesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var n int
	unsub := bus.SubscribeAll(func(e Event) {
		n++
		assert.False(t, e.Time.IsZero(), "Emit stamps a time")
	})
	bus.Emit(Event{Kind: GenerationStart})
	bus.Emit(Event{Kind: UserEditConflict})
	bus.Emit(Event{Kind: GenerationComplete})
	unsub()

	assert.Equal(t, 3, n)
}

func TestBus_EmitNeverBlocks(t *testing.T) {
	bus := NewBus(WithQueueSize(1))
	defer bus.Close()

	release := make(chan struct{})
	unsub := bus.SubscribeAll(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Emit(Event{Kind: GenerationProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	close(release)
	unsub()
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var n int
	unsub := bus.SubscribeAll(func(Event) { n++ })
	bus.Emit(Event{Kind: FileDeleted})
	unsub()
	unsub() // idempotent
	bus.Emit(Event{Kind: FileDeleted})

	assert.Equal(t, 1, n)
}

func TestBus_CloseDrainsAndRejectsNewSubscribers(t *testing.T) {
	bus := NewBus()
	var n int
	bus.SubscribeAll(func(Event) { n++ })
	bus.Emit(Event{Kind: GenerationStart})
	bus.Close()
	assert.Equal(t, 1, n)

	unsub := bus.SubscribeAll(func(Event) { n++ })
	bus.Emit(Event{Kind: GenerationStart})
	unsub()
	bus.Close()
	assert.Equal(t, 1, n)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	var e Emitter = r
	e.Emit(Event{Kind: ComponentAdded, ComponentID: "h"})
	e.Emit(Event{Kind: ComponentRemoved, ComponentID: "f"})

	require.Len(t, r.Events(), 2)
	require.Len(t, r.OfKind(ComponentRemoved), 1)
	assert.Equal(t, "f", r.OfKind(ComponentRemoved)[0].ComponentID)
}
