// Package protocol defines the hub envelope, the RPC peer built on it, and
// the binary video frame format shared by the server, desktops, and viewers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// TypeResult marks a reply to an invocation; ID echoes the invocation ID.
const TypeResult = "result"

// Message is the envelope for all hub messages exchanged between
// desktops, the server, and viewers. Type carries a method or event name.
// Invocations that expect a reply set ID.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewMessage marshals payload into a Message of the given type.
func NewMessage(msgType string, payload any) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Result is the outcome of a hub operation as seen by a remote caller.
type Result struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Ok returns a successful Result.
func Ok() Result { return Result{Success: true} }

// Fail returns a failed Result carrying reason.
func Fail(reason string) Result { return Result{Reason: reason} }

// DisplayInfo describes a single connected display.
type DisplayInfo struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}
