// Package events - optional NATS-backed Bus, for deployments running more
// than one control plane replica that need events to cross process
// boundaries (dashboard notifiers, secondary reporters). Subjects follow
// the "osxfleet.events.<type>" convention, the same shape the teacher uses
// for its own "streamspace.<domain>.<action>" subjects.
package events

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "osxfleet.events."

// NATSBus publishes events to NATS and fans inbound messages back out to
// local subscribers, so the same Bus interface works identically whether a
// deployment is single-process or multi-replica.
type NATSBus struct {
	conn *nats.Conn
	sub  *nats.Subscription

	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewNATSBus connects to url and subscribes to the wildcard event subject.
func NewNATSBus(url string) (*NATSBus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	b := &NATSBus{conn: conn, subscribers: make(map[chan Event]struct{})}

	sub, err := conn.Subscribe(subjectPrefix+">", b.onMessage)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.sub = sub
	return b, nil
}

func (b *NATSBus) onMessage(msg *nats.Msg) {
	var evt Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *NATSBus) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = b.conn.Publish(subjectPrefix+string(evt.Type), data)
}

func (b *NATSBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
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

// Close tears down the NATS subscription and connection.
func (b *NATSBus) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}
