package sandbox

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptbox/internal/logging"
	"github.com/GriffinCanCode/scriptbox/internal/monitoring"
	"github.com/GriffinCanCode/scriptbox/internal/shared/id"
)

// Phase identifies an execution lifecycle phase.
type Phase string

const (
	PhaseBefore  Phase = "before"
	PhaseAfter   Phase = "after"
	PhaseError   Phase = "error"
	PhaseConsole Phase = "console"
)

// Event is delivered to hook handlers. Events are ephemeral and carry only
// host-constructed payloads; nothing in them references guest objects.
type Event struct {
	Phase       Phase
	ExecutionID id.ExecutionID
	Payload     map[string]interface{}
}

// Handler observes lifecycle events. Handlers run on the host-side dispatch
// goroutine, never inside the sandbox.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

type envelope struct {
	event Event
	flush chan struct{}
}

// Bus fans lifecycle events out to host-registered observers. Dispatch runs
// on a dedicated goroutine fed by a bounded buffer, so a reporting worker is
// never blocked beyond the buffered send. Handler failures are recovered and
// logged, never propagated into the execution they observe.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Phase][]subscription

	events chan envelope
	done   chan struct{}

	log     *logging.Logger
	metrics *monitoring.Metrics

	closeOnce sync.Once
}

// NewBus creates a hook bus with the given dispatch buffer size.
func NewBus(bufferSize int, log *logging.Logger, metrics *monitoring.Metrics) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if log == nil {
		log = logging.NewNop()
	}
	b := &Bus{
		handlers: make(map[Phase][]subscription),
		events:   make(chan envelope, bufferSize),
		done:     make(chan struct{}),
		log:      log,
		metrics:  metrics,
	}
	go b.dispatch()
	return b
}

// On registers a handler for a phase and returns a subscription token.
// Handlers for the same phase fire in registration order.
func (b *Bus) On(phase Phase, handler Handler) string {
	token := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[phase] = append(b.handlers[phase], subscription{id: token, handler: handler})
	return token
}

// Off removes a previously registered handler by its subscription token.
func (b *Bus) Off(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for phase, subs := range b.handlers {
		for i, sub := range subs {
			if sub.id == token {
				b.handlers[phase] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit queues an event for dispatch. When the buffer is full the event is
// dropped and counted rather than blocking the reporting worker.
func (b *Bus) Emit(event Event) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.events <- envelope{event: event}:
		if b.metrics != nil {
			b.metrics.HookEventsTotal.WithLabelValues(string(event.Phase)).Inc()
		}
	default:
		if b.metrics != nil {
			b.metrics.HookOverflow.Inc()
		}
		b.log.Warn("hook event dropped: dispatch buffer full",
			zap.String("phase", string(event.Phase)),
			zap.String("execution_id", event.ExecutionID.String()))
	}
}

// Flush blocks until every event emitted before the call has been dispatched.
func (b *Bus) Flush() {
	ack := make(chan struct{})
	select {
	case b.events <- envelope{flush: ack}:
		select {
		case <-ack:
		case <-b.done:
		}
	case <-b.done:
	}
}

// Close stops the dispatcher. Pending events are drained first.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.Flush()
		close(b.done)
	})
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case env := <-b.events:
			if env.flush != nil {
				close(env.flush)
				continue
			}
			b.deliver(env.event)
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[event.Phase]))
	copy(subs, b.handlers[event.Phase])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(sub, event)
	}
}

func (b *Bus) safeCall(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.metrics != nil {
				b.metrics.HookFailures.Inc()
			}
			b.log.Error("hook handler panicked",
				zap.String("phase", string(event.Phase)),
				zap.String("subscription", sub.id),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}
