package domain

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndReason_TerminalState(t *testing.T) {
	assert.Equal(t, CallStateFailed, EndReasonRejected.TerminalState())
	assert.Equal(t, CallStateFailed, EndReasonTimeout.TerminalState())
	assert.Equal(t, CallStateFailed, EndReasonNegotiationFailed.TerminalState())
	assert.Equal(t, CallStateEnded, EndReasonCancelled.TerminalState())
	assert.Equal(t, CallStateEnded, EndReasonHangup.TerminalState())
	assert.Equal(t, CallStateEnded, EndReasonPeerLost.TerminalState())
}

func TestCallSession_StateFor(t *testing.T) {
	call := &CallSession{
		CallerID: uuid.New(),
		CalleeID: uuid.New(),
		State:    CallStateRinging,
	}

	assert.Equal(t, "ringing_caller", call.StateFor(call.CallerID))
	assert.Equal(t, "ringing_callee", call.StateFor(call.CalleeID))

	call.State = CallStateConnected
	assert.Equal(t, "connected", call.StateFor(call.CalleeID))
}

func TestCallSession_Peer(t *testing.T) {
	call := &CallSession{CallerID: uuid.New(), CalleeID: uuid.New()}

	assert.Equal(t, call.CalleeID, call.Peer(call.CallerID))
	assert.Equal(t, call.CallerID, call.Peer(call.CalleeID))
	assert.False(t, call.IsParty(uuid.New()))
}

func TestEvent_InitiateHasNoCallID(t *testing.T) {
	calleeID := uuid.New()
	ev := &Event{Type: EventCallInitiate, CalleeID: calleeID, CallKind: CallKindVideo}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "call_id")
	assert.Equal(t, calleeID.String(), raw["callee_id"])
	assert.Equal(t, "video", raw["call_kind"])
}

func TestNegotiationFrame_PayloadVerbatim(t *testing.T) {
	payload := json.RawMessage(`{"sdp":"v=0\r\n","type":"offer"}`)
	ev := &NegotiationEvent{CallID: uuid.New(), Kind: NegotiationOffer, Payload: payload}

	frame := NegotiationFrame(ev)
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"payload":{"sdp":"v=0\r\n","type":"offer"}`)
	assert.Contains(t, string(data), `"kind":"offer"`)
}
