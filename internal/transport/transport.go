package transport

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes an incoming message and returns the reply.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Transport sends messages to named destinations and dispatches incoming
// messages to a single registered handler.
type Transport interface {
	// Send delivers msg and waits for the reply. If ctx expires first the
	// error wraps ErrUnknownOutcome. A reply carrying an error is returned
	// as a *RemoteError.
	Send(ctx context.Context, dest string, msg *Message) (*Message, error)
	RegisterHandler(h Handler)
	// Name is the address other nodes use to reach this transport.
	Name() string
}

// Mux routes incoming messages to handlers by type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[MessageType]Handler
}

// NewMux creates an empty router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[MessageType]Handler)}
}

// Handle registers h for messages of type typ, replacing any previous one.
func (m *Mux) Handle(typ MessageType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typ] = h
}

// Serve dispatches msg. It has the Handler signature.
func (m *Mux) Serve(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, msg.Version)
	}
	m.mu.RLock()
	h, ok := m.handlers[msg.Type]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}
	return h(ctx, msg)
}

// Call sends a request of type typ carrying payload and decodes the reply
// into out when out is non-nil.
func Call(ctx context.Context, t Transport, dest string, typ MessageType, payload, out any) error {
	msg, err := NewMessage(t.Name(), typ, payload)
	if err != nil {
		return err
	}
	reply, err := t.Send(ctx, dest, msg)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return reply.Decode(out)
}

// dispatch runs h and converts a handler error into an error reply.
func dispatch(ctx context.Context, self string, h Handler, msg *Message) *Message {
	if h == nil {
		return msg.ErrorReply(self, ErrNoHandler)
	}
	reply, err := h(ctx, msg)
	if err != nil {
		return msg.ErrorReply(self, err)
	}
	if reply == nil {
		reply, _ = msg.Reply(self, nil)
	}
	return reply
}
