package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Signaling event types sent by clients
const (
	EventCallInitiate   = "call_initiate"
	EventCallAnswer     = "call_answer"
	EventCallReject     = "call_reject"
	EventCallCancel     = "call_cancel"
	EventCallEnd        = "call_end"
	EventNegotiation    = "negotiation"
	EventMediaConnected = "media_connected"
	EventMediaFailed    = "media_failed"
)

// Signaling event types sent by the server
const (
	EventCallRinging   = "call_ringing"
	EventIncomingCall  = "incoming_call"
	EventCallAnswered  = "call_answered"
	EventCallRejected  = "call_rejected"
	EventCallEnded     = "call_ended"
	EventCallConnected = "call_connected"
	EventCallError     = "call_error"
)

// NegotiationKind classifies an opaque negotiation payload
type NegotiationKind string

const (
	NegotiationOffer     NegotiationKind = "offer"
	NegotiationAnswer    NegotiationKind = "answer"
	NegotiationCandidate NegotiationKind = "candidate"
)

// Valid reports whether k is a known negotiation kind
func (k NegotiationKind) Valid() bool {
	switch k {
	case NegotiationOffer, NegotiationAnswer, NegotiationCandidate:
		return true
	}
	return false
}

// NegotiationEvent is a session description or network candidate relayed
// between the two media transports. Payload is never interpreted.
type NegotiationEvent struct {
	CallID       uuid.UUID
	OriginatorID uuid.UUID
	Kind         NegotiationKind
	Payload      json.RawMessage
}

// Event is the JSON frame exchanged over the signaling channel. Only the
// fields relevant to Type are populated.
type Event struct {
	Type     string          `json:"type"`
	CallID   uuid.UUID       `json:"call_id,omitzero"`
	CallerID uuid.UUID       `json:"caller_id,omitzero"`
	CalleeID uuid.UUID       `json:"callee_id,omitzero"`
	CallKind CallKind        `json:"call_kind,omitempty"`
	Reason   EndReason       `json:"reason,omitempty"`
	Kind     NegotiationKind `json:"kind,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// call_error fields
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// NegotiationFrame builds the outbound frame relaying ev verbatim
func NegotiationFrame(ev *NegotiationEvent) *Event {
	return &Event{
		Type:    EventNegotiation,
		CallID:  ev.CallID,
		Kind:    ev.Kind,
		Payload: ev.Payload,
	}
}
