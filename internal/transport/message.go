// Package transport carries request/response messages between pool nodes
// and the pool manager.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the current message protocol version.
const ProtocolVersion = 1

// MessageType identifies the payload carried by a Message.
type MessageType string

const (
	// Pool manager
	TypeCostUpdate MessageType = "cost_update"
	TypeSelectPool MessageType = "select_pool"

	// Pool
	TypeCostRequest MessageType = "cost_request"
	TypeSetMode     MessageType = "set_mode"

	// Pool-to-pool transfers
	TypeP2PBegin  MessageType = "p2p_begin"
	TypeP2PWrite  MessageType = "p2p_write"
	TypeP2PCommit MessageType = "p2p_commit"
	TypeP2PAbort  MessageType = "p2p_abort"
	TypeP2PPing   MessageType = "p2p_ping"

	// Namespace
	TypeNsLookup         MessageType = "ns_lookup"
	TypeNsAddLocation    MessageType = "ns_add_location"
	TypeNsRemoveLocation MessageType = "ns_remove_location"
)

// Message is the envelope for all messages. A reply carries the ID of the
// request it answers; a failed request is answered with Error set.
type Message struct {
	Version   int             `json:"version"`
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(from string, typ MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Message{
		Version: ProtocolVersion,
		Type:    typ,
		ID:      uuid.NewString(),
		From:    from,
		Payload: data,
	}, nil
}

// Reply creates the answer to m.
func (m *Message) Reply(from string, payload any) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal %s reply: %w", m.Type, err)
		}
	}
	return &Message{
		Version: ProtocolVersion,
		Type:    m.Type,
		ID:      m.ID,
		From:    from,
		Payload: data,
	}, nil
}

// ErrorReply creates a reply reporting err.
func (m *Message) ErrorReply(from string, err error) *Message {
	return &Message{
		Version:   ProtocolVersion,
		Type:      m.Type,
		ID:        m.ID,
		From:      from,
		Error:     err.Error(),
		ErrorCode: CodeOf(err),
	}
}

// Err returns the error carried by a reply, or nil.
func (m *Message) Err() error {
	if m.Error == "" && m.ErrorCode == "" {
		return nil
	}
	return &RemoteError{From: m.From, Code: m.ErrorCode, Message: m.Error}
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message %s: empty payload", m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}
