package webhook

import (
	"context"

	"go.uber.org/zap"
)

// Handler processes one verified event. Returning an error leaves the event
// unprocessed so the processor's redelivery can retry it.
type Handler func(ctx context.Context, ev *Event) error

// Dispatcher routes each event type to exactly one handler. Types with no
// handler are acknowledged, not rejected, so coverage gaps never stall the
// processor's delivery queue.
type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]Handler{}}
}

// Register binds a handler to an event type. Double registration is a wiring
// bug, caught at startup.
func (d *Dispatcher) Register(eventType string, h Handler) {
	if _, dup := d.handlers[eventType]; dup {
		panic("webhook: duplicate handler for event type " + eventType)
	}
	d.handlers[eventType] = h
}

// Dispatch runs the handler for the event's type. handled=false means no
// handler is registered; the caller acknowledges anyway.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (handled bool, err error) {
	h, ok := d.handlers[ev.Type]
	if !ok {
		zap.L().Info("unhandled webhook event type",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type),
		)
		return false, nil
	}
	return true, h(ctx, ev)
}
