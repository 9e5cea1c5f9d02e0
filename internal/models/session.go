package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"

	"otp2p/internal/history"
	"otp2p/internal/ot"
)

// Session represents an active WebSocket connection of one peer to a document
type Session struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	PeerID       string    `json:"peer_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// MessageType defines types of messages in the collaboration protocol
type MessageType string

const (
	// Document sync messages
	MessageTypeOp       MessageType = "op"       // {op, revision}: an op based on revision
	MessageTypeAck      MessageType = "ack"      // {op, revision}: the sender's op as the hub applied it
	MessageTypeResync   MessageType = "resync"   // peer cannot reconcile, wants a snapshot
	MessageTypeSnapshot MessageType = "snapshot" // {model, history}: full replica state

	// Presence messages
	MessageTypeJoin  MessageType = "join"
	MessageTypeLeave MessageType = "leave"
	MessageTypeError MessageType = "error"
)

// Message is the JSON frame exchanged between peers and the hub.
// Learning: one envelope with optional fields keeps the protocol a single
// json.Unmarshal on both ends; Type says which fields are meaningful.
type Message struct {
	Type     MessageType       `json:"type"`
	PeerID   string            `json:"peer_id,omitempty"`
	Op       ot.Op             `json:"op,omitempty"`
	Revision history.ID        `json:"revision"`
	Model    []ot.Segment      `json:"model,omitempty"`
	History  *history.Snapshot `json:"history,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// NewOpMessage wraps an op and the revision it was made on.
func NewOpMessage(peerID string, op ot.Op, revision history.ID) *Message {
	return &Message{Type: MessageTypeOp, PeerID: peerID, Op: op, Revision: revision}
}

// NewAckMessage tells a peer its op was applied as op on top of revision.
func NewAckMessage(peerID string, op ot.Op, revision history.ID) *Message {
	return &Message{Type: MessageTypeAck, PeerID: peerID, Op: op, Revision: revision}
}

// NewSnapshotMessage wraps a replica's model and history.
func NewSnapshotMessage(model []ot.Segment, snap history.Snapshot) *Message {
	return &Message{Type: MessageTypeSnapshot, Model: model, History: &snap}
}

// NewErrorMessage reports a failure to a single peer.
func NewErrorMessage(err error) *Message {
	return &Message{Type: MessageTypeError, Error: err.Error()}
}

// Encode marshals the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a wire frame.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func NewSession(documentID, peerID string) *Session {
	return &Session{
		ID:           ksuid.New().String(),
		DocumentID:   documentID,
		PeerID:       peerID,
		ConnectedAt:  time.Now(),
		LastActiveAt: time.Now(),
	}
}
