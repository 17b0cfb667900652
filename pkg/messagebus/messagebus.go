// Package messagebus provides the MessageBus and HealthReporter
// capabilities (§4.6). Both are modeled as plain Go interfaces with an
// in-process default implementation rather than a network protocol: this
// engine's only client is the process that embeds it, so there is no wire
// boundary to cross (see DESIGN.md for the dropped-dependency rationale).
package messagebus

import (
	"context"
	"sync"

	"github.com/cuemby/hostingd/pkg/log"
)

// Action names an on-demand or lifecycle message routed between the
// activator code package and its owning VersionedServicePackage (§6).
type Action string

const (
	ActionActivateCodePackage   Action = "ActivateCodePackage"
	ActionDeactivateCodePackage Action = "DeactivateCodePackage"
	ActionAbortCodePackage      Action = "AbortCodePackage"
)

// Request is the routed request body for an on-demand code package
// operation (§4.2.4).
type Request struct {
	Action              Action
	RequestorInstanceID string
	CodePackageNames    []string
	AllCodePackages     bool
}

// Reply carries the status of a routed request.
type Reply struct {
	Err error
}

// Handler processes one routed Request.
type Handler func(ctx context.Context, req Request) Reply

// MessageBus routes request/reply messages between components without
// knowing the wire format either side would otherwise need (§4.6).
type MessageBus interface {
	Subscribe(routingKey string, h Handler)
	Unsubscribe(routingKey string)
	Send(ctx context.Context, routingKey string, req Request) Reply
}

// InProcessBus is the default MessageBus: direct function dispatch keyed
// by routing key, since every caller lives in this process.
type InProcessBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewInProcessBus() *InProcessBus {
	return &InProcessBus{handlers: make(map[string]Handler)}
}

func (b *InProcessBus) Subscribe(routingKey string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[routingKey] = h
}

func (b *InProcessBus) Unsubscribe(routingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, routingKey)
}

func (b *InProcessBus) Send(ctx context.Context, routingKey string, req Request) Reply {
	b.mu.RLock()
	h, ok := b.handlers[routingKey]
	b.mu.RUnlock()
	if !ok {
		log.Errorf("messagebus: no handler registered for %s", routingKey)
		return Reply{Err: errNoHandler(routingKey)}
	}
	return h(ctx, req)
}

type noHandlerError struct{ routingKey string }

func (e *noHandlerError) Error() string { return "messagebus: no handler for " + e.routingKey }

func errNoHandler(routingKey string) error { return &noHandlerError{routingKey: routingKey} }
