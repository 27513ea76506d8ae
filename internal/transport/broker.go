package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Broker connects in-process transports. Messages are serialized on the
// way in and out so handlers see exactly what the wire would carry.
type Broker struct {
	mu        sync.RWMutex
	endpoints map[string]*BrokerTransport
	blackhole map[string]bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		endpoints: make(map[string]*BrokerTransport),
		blackhole: make(map[string]bool),
	}
}

// Endpoint returns the transport registered under name, creating it if
// necessary.
func (b *Broker) Endpoint(name string) *BrokerTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[name]; ok {
		return ep
	}
	ep := &BrokerTransport{name: name, broker: b}
	b.endpoints[name] = ep
	return ep
}

// Remove disconnects name; messages to it fail with ErrUnreachable.
func (b *Broker) Remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, name)
}

// Blackhole makes messages to name go unanswered until Restore is called.
// Senders observe ErrUnknownOutcome when their context expires.
func (b *Broker) Blackhole(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blackhole[name] = true
}

// Restore undoes Blackhole.
func (b *Broker) Restore(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blackhole, name)
}

// BrokerTransport is one node's view of a Broker.
type BrokerTransport struct {
	name   string
	broker *Broker

	mu      sync.RWMutex
	handler Handler
}

// Name returns the endpoint name.
func (t *BrokerTransport) Name() string {
	return t.name
}

// RegisterHandler sets the handler for incoming messages.
func (t *BrokerTransport) RegisterHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send delivers msg to dest through the broker.
func (t *BrokerTransport) Send(ctx context.Context, dest string, msg *Message) (*Message, error) {
	t.broker.mu.RLock()
	ep, ok := t.broker.endpoints[dest]
	hole := t.broker.blackhole[dest]
	t.broker.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", dest, ErrUnreachable)
	}
	if hole {
		<-ctx.Done()
		return nil, fmt.Errorf("%s %s %s: %w: %w", dest, msg.Type, msg.ID, ErrUnknownOutcome, ctx.Err())
	}

	in, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}

	ep.mu.RLock()
	h := ep.handler
	ep.mu.RUnlock()

	done := make(chan *Message, 1)
	go func() {
		done <- dispatch(ctx, ep.name, h, in)
	}()

	select {
	case reply := <-done:
		out, err := roundTrip(reply)
		if err != nil {
			return nil, err
		}
		if err := out.Err(); err != nil {
			return out, err
		}
		return out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s %s: %w: %w", dest, msg.Type, msg.ID, ErrUnknownOutcome, ctx.Err())
	}
}

func roundTrip(msg *Message) (*Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &out, nil
}

var _ Transport = (*BrokerTransport)(nil)
