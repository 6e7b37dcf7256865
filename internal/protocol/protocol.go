// Package protocol defines the messages exchanged between the collab client
// and the relay over a websocket. Everything is a single JSON envelope; CRDT
// payloads ride inside it as base64-encoded bytes.
package protocol

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	// TypeJoin is sent by a client once, immediately after the socket opens.
	TypeJoin Type = "join"
	// TypeSync is sent by the relay once per connection, after a successful
	// join, carrying the full-state catch-up payload.
	TypeSync Type = "sync"
	// TypeUpdate carries one document delta, either direction.
	TypeUpdate Type = "update"
	// TypeAwareness carries ephemeral cursor/selection state, either
	// direction. Never persisted.
	TypeAwareness Type = "awareness"
	// TypeLeave notifies peers that a participant disconnected.
	TypeLeave Type = "leave"
	// TypeError reports a rejected message; the connection stays open.
	TypeError Type = "error"
)

// Range is a selection as an anchor/head pair of rune offsets. Head may be
// before Anchor for backwards selections.
type Range struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Message is the wire envelope. Fields are populated per Type; unused fields
// stay empty and are omitted from the encoding.
type Message struct {
	Type       Type   `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	UserName   string `json:"userName,omitempty"`
	UserEmail  string `json:"userEmail,omitempty"`
	Token      string `json:"token,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
	Seed       bool   `json:"seed,omitempty"`
	Vector     []byte `json:"vector,omitempty"`
	Cursor     *int   `json:"cursor,omitempty"`
	Selection  *Range `json:"selection,omitempty"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Encode marshals a message for transmission.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return raw, nil
}

// Decode parses a wire frame and validates the envelope.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch m.Type {
	case TypeJoin, TypeSync, TypeUpdate, TypeAwareness, TypeLeave, TypeError:
		return m, nil
	default:
		return Message{}, fmt.Errorf("decode message: unknown type %q", m.Type)
	}
}

// Join builds the handshake message that opens a session.
func Join(documentID, userID, userName, token string) Message {
	return Message{Type: TypeJoin, DocumentID: documentID, UserID: userID, UserName: userName, Token: token}
}

// Update wraps a delta payload.
func Update(payload []byte) Message {
	return Message{Type: TypeUpdate, Payload: payload}
}

// SeedUpdate wraps an initial-content proposal for a brand-new document. The
// relay merges it only while the document is still empty and refuses it
// otherwise, so concurrent proposals cannot both become content.
func SeedUpdate(payload []byte) Message {
	return Message{Type: TypeUpdate, Seed: true, Payload: payload}
}

// Sync wraps the catch-up payload sent once after join, together with the
// relay's state vector so the client can reply with anything the relay is
// missing.
func Sync(payload, vector []byte) Message {
	return Message{Type: TypeSync, Payload: payload, Vector: vector}
}

// Awareness builds a presence message for userID. Nil cursor and selection
// mean the user went idle; peers keep the roster entry but clear indicators.
func Awareness(userID string, cursor *int, selection *Range) Message {
	return Message{Type: TypeAwareness, UserID: userID, Cursor: cursor, Selection: selection}
}

// WithName returns a copy of the message with the display name set. The
// relay stamps forwarded awareness with the sender's join identity.
func (m Message) WithName(name string) Message {
	m.UserName = name
	return m
}

// Leave announces a departed participant.
func Leave(userID string) Message {
	return Message{Type: TypeLeave, UserID: userID}
}

// Error builds a rejection notice.
func Error(code, reason string) Message {
	return Message{Type: TypeError, Code: code, Reason: reason}
}
