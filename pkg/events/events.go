// Package events is an in-memory broker for node-local hosting lifecycle
// events: activation attempts, code package state transitions, and health
// reports. Nothing in the hosting subsystem depends on delivery — it is a
// diagnostics/observability side channel, not a durable log.
package events

import (
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypeActivationStarted      Type = "activation.started"
	TypeActivationSucceeded    Type = "activation.succeeded"
	TypeActivationRetrying     Type = "activation.retrying"
	TypeActivationFailed       Type = "activation.failed"
	TypeCodePackageActivated   Type = "codepackage.activated"
	TypeCodePackageTerminated  Type = "codepackage.terminated"
	TypeServicePackageOpened   Type = "servicepackage.opened"
	TypeServicePackageClosed   Type = "servicepackage.closed"
)

// Event is one hosting lifecycle occurrence.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Subject   string // the instance/code package id this event is about
	Message   string
	Metadata  map[string]string
}

// Subscriber receives events published after it subscribed.
type Subscriber chan *Event

// Broker fans published events out to every active subscriber,
// non-blocking: a slow or absent subscriber never stalls Publish.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a Broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Publish after Stop is a no-op.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe returns a channel that receives every event published from
// this point on. Callers must Unsubscribe to avoid leaking the channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues event for distribution, stamping Timestamp if unset.
// It is safe to call even if Start was never called or Stop already was;
// in the latter case the event is silently dropped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// broker not started yet or buffer full: drop rather than block
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop for that subscriber
		}
	}
}

// SubscriberCount reports how many subscriptions are currently active.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
