package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind is the media kind requested at initiation
type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindVoice || k == CallKindVideo
}

// CallState is a state of the call state machine
type CallState string

const (
	CallStateRinging     CallState = "ringing"
	CallStateNegotiating CallState = "negotiating"
	CallStateConnected   CallState = "connected"
	CallStateEnded       CallState = "ended"
	CallStateFailed      CallState = "failed"
)

// Terminal reports whether no further transition can leave s
func (s CallState) Terminal() bool {
	return s == CallStateEnded || s == CallStateFailed
}

// EndReason records which event or timer moved a call into a terminal state
type EndReason string

const (
	EndReasonRejected          EndReason = "rejected"
	EndReasonCancelled         EndReason = "cancelled"
	EndReasonTimeout           EndReason = "timeout"
	EndReasonNegotiationFailed EndReason = "negotiation_failed"
	EndReasonHangup            EndReason = "hangup"
	EndReasonPeerLost          EndReason = "peer_lost"
	EndReasonProtocolError     EndReason = "protocol_error"
	EndReasonServerShutdown    EndReason = "server_shutdown"
)

// TerminalState maps a reason to the terminal state it produces
func (r EndReason) TerminalState() CallState {
	switch r {
	case EndReasonRejected, EndReasonTimeout, EndReasonNegotiationFailed, EndReasonProtocolError:
		return CallStateFailed
	default:
		return CallStateEnded
	}
}

// CallSession is a point-in-time view of one call attempt between two users
type CallSession struct {
	CallID    uuid.UUID  `json:"call_id"`
	CallerID  uuid.UUID  `json:"caller_id"`
	CalleeID  uuid.UUID  `json:"callee_id"`
	Kind      CallKind   `json:"call_kind"`
	State     CallState  `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason EndReason  `json:"end_reason,omitempty"`
}

// IsParty reports whether userID is the caller or the callee
func (c *CallSession) IsParty(userID uuid.UUID) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// Peer returns the other party of the call
func (c *CallSession) Peer(userID uuid.UUID) uuid.UUID {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// StateFor returns the state as seen by one participant. The ringing interval
// is reported as ringing_caller or ringing_callee depending on the side.
func (c *CallSession) StateFor(userID uuid.UUID) string {
	if c.State != CallStateRinging {
		return string(c.State)
	}
	if userID == c.CalleeID {
		return "ringing_callee"
	}
	return "ringing_caller"
}
