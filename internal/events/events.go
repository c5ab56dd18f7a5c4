// Package events is a typed, fire-and-forget observer bus for generation
// progress. Emit never blocks: each subscriber drains its own bounded queue.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind names an event.
type Kind string

const (
	GenerationStart    Kind = "generation:start"
	GenerationProgress Kind = "generation:progress"
	GenerationComplete Kind = "generation:complete"
	GenerationError    Kind = "generation:error"

	FileWriting Kind = "file:writing"
	FileWritten Kind = "file:written"
	FileError   Kind = "file:error"
	FileDeleted Kind = "file:deleted"

	UserEditDetected Kind = "user-edit:detected"
	UserEditConflict Kind = "user-edit:conflict"
	UserEditCleared  Kind = "user-edit:cleared"

	ComponentAdded    Kind = "component:added"
	ComponentModified Kind = "component:modified"
	ComponentRemoved  Kind = "component:removed"
)

// Event is one notification. Payload carries kind-specific data such as the
// pass summary on generation:complete.
type Event struct {
	Kind        Kind      `json:"kind"`
	PassID      string    `json:"passId,omitempty"`
	Time        time.Time `json:"time"`
	ComponentID string    `json:"componentId,omitempty"`
	Path        string    `json:"path,omitempty"`
	Error       string    `json:"error,omitempty"`
	Payload     any       `json:"payload,omitempty"`
}

// Handler receives events on the subscriber's own goroutine.
type Handler func(Event)

// Emitter is what producers depend on.
type Emitter interface {
	Emit(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// DefaultQueueSize is the per-subscriber buffer.
const DefaultQueueSize = 256

type subscriber struct {
	id    string
	kind  Kind // "" subscribes to all kinds
	fn    Handler
	queue chan Event
	done  chan struct{}
}

// Bus delivers events to subscribers registered by kind.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	queueSize int
	closed    bool
	log       *zap.Logger
	now       func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[string]*subscriber),
		queueSize: DefaultQueueSize,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers fn for events of kind and returns a function that
// unregisters it. Unsubscribing waits for queued events to drain.
func (b *Bus) Subscribe(kind Kind, fn Handler) (unsubscribe func()) {
	return b.add(kind, fn)
}

// SubscribeAll registers fn for every kind.
func (b *Bus) SubscribeAll(fn Handler) (unsubscribe func()) {
	return b.add("", fn)
}

func (b *Bus) add(kind Kind, fn Handler) func() {
	s := &subscriber{
		id:    uuid.NewString(),
		kind:  kind,
		fn:    fn,
		queue: make(chan Event, b.queueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		for e := range s.queue {
			s.fn(e)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s.id) })
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(s.queue)
	<-s.done
}

// Emit queues e for every matching subscriber. A full queue drops the event
// for that subscriber only.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.kind != "" && s.kind != e.Kind {
			continue
		}
		select {
		case s.queue <- e:
		default:
			b.log.Warn("event dropped, subscriber queue full",
				zap.String("kind", string(e.Kind)),
				zap.String("subscriber", s.id))
		}
	}
}

// Close unregisters every subscriber after draining their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.queue)
		<-s.done
	}
}

// Recorder is an Emitter that keeps every event in memory. Tests use it to
// assert on what a pass emitted.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
