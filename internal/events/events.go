// Package events implements the specification's §9 design note: "the
// delegate pattern... is better expressed as explicit event channels or a
// small observer interface whose methods the host registers - avoid
// process-wide mutable listeners." Every stateful component that needs to
// notify the rest of the system (Heartbeat Monitor, Registration Service,
// Policy Distributor) publishes through the Bus interface; it never holds
// its own list of listener callbacks.
package events

import (
	"sync"
	"time"
)

// Type enumerates the event kinds the core emits.
type Type string

const (
	TypeHealthStatusChanged  Type = "healthStatusChanged"
	TypeHeartbeatReceived    Type = "heartbeatReceived"
	TypeAgentCameOnline      Type = "agentCameOnline"
	TypeAgentWentOffline     Type = "agentWentOffline"
	TypeRegistrationPending  Type = "registrationPending"
	TypeRegistrationRejected Type = "registrationRejected"
	TypeAgentRegistered      Type = "agentRegistered"
	TypeDistributionStarted  Type = "distributionStarted"
	TypeDistributionFinalized Type = "distributionFinalized"
	TypePolicyRollback       Type = "policyRollback"
)

// Event is the envelope published on the bus.
type Event struct {
	Type      Type
	AgentID   string
	Payload   any
	Timestamp time.Time
}

// Bus decouples publishers from subscribers. Implementations must be safe
// for concurrent Publish from multiple components.
type Bus interface {
	Publish(evt Event)
	Subscribe() (ch <-chan Event, unsubscribe func())
}

// InMemoryBus fans out every published event to all current subscribers
// over buffered channels. It is the default, in-process implementation;
// NATSBus is the optional multi-process adapter behind the same interface.
type InMemoryBus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	bufferSize  int
}

// NewInMemoryBus constructs a bus whose subscriber channels are buffered to
// bufferSize; a slow subscriber drops events past that buffer rather than
// blocking publishers.
func NewInMemoryBus(bufferSize int) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &InMemoryBus{subscribers: make(map[chan Event]struct{}), bufferSize: bufferSize}
}

func (b *InMemoryBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Drop on a full buffer: events are notifications, not a
			// durable log: a slow subscriber must not stall the
			// component that published this.
		}
	}
}

func (b *InMemoryBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}
