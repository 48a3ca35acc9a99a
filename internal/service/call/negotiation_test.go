package call

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/metrics"
)

func newTestCoordinator(bufferSize int) (*coordinator, *fakeChannel, *domain.CallSession) {
	call := &domain.CallSession{CallID: uuid.New(), CallerID: uuid.New(), CalleeID: uuid.New()}
	ch := newFakeChannel()
	return newCoordinator(call, ch, metrics.NewMetrics("test"), zap.NewNop(), bufferSize), ch, call
}

func negotiation(call *domain.CallSession, from uuid.UUID, kind domain.NegotiationKind, payload string) *domain.NegotiationEvent {
	return &domain.NegotiationEvent{
		CallID:       call.CallID,
		OriginatorID: from,
		Kind:         kind,
		Payload:      raw(payload),
	}
}

func TestRelay_OfferAnswerCandidates(t *testing.T) {
	c, ch, call := newTestCoordinator(4)

	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{"sdp":"o1"}`)))
	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationCandidate, `{"c":1}`)))
	require.NoError(t, c.relay(negotiation(call, call.CalleeID, domain.NegotiationAnswer, `{"sdp":"a1"}`)))
	require.NoError(t, c.relay(negotiation(call, call.CalleeID, domain.NegotiationCandidate, `{"c":2}`)))

	toCallee := ch.received(call.CalleeID)
	require.Len(t, toCallee, 2)
	assert.Equal(t, domain.NegotiationOffer, toCallee[0].Kind)
	assert.JSONEq(t, `{"sdp":"o1"}`, string(toCallee[0].Payload))
	assert.Equal(t, call.CallID, toCallee[0].CallID)
	assert.Equal(t, domain.EventNegotiation, toCallee[0].Type)

	toCaller := ch.received(call.CallerID)
	require.Len(t, toCaller, 2)
	assert.Equal(t, domain.NegotiationAnswer, toCaller[0].Kind)
	assert.Equal(t, domain.NegotiationCandidate, toCaller[1].Kind)
}

func TestRelay_FirstOfferMustComeFromCaller(t *testing.T) {
	c, ch, call := newTestCoordinator(4)

	err := c.relay(negotiation(call, call.CalleeID, domain.NegotiationOffer, `{}`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
	assert.Empty(t, ch.received(call.CallerID))
}

func TestRelay_FirstAnswerMustComeFromCallee(t *testing.T) {
	c, _, call := newTestCoordinator(4)

	err := c.relay(negotiation(call, call.CalleeID, domain.NegotiationAnswer, `{}`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition), "answer before offer")

	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{}`)))
	err = c.relay(negotiation(call, call.CallerID, domain.NegotiationAnswer, `{}`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition), "answer from caller")
}

func TestRelay_SecondOfferBeforeAnswer(t *testing.T) {
	c, ch, call := newTestCoordinator(4)

	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{"n":1}`)))
	err := c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{"n":2}`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
	assert.Len(t, ch.received(call.CalleeID), 1)
}

func TestRelay_RenegotiationForwardedAsIs(t *testing.T) {
	c, ch, call := newTestCoordinator(4)

	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{}`)))
	require.NoError(t, c.relay(negotiation(call, call.CalleeID, domain.NegotiationAnswer, `{}`)))

	// Either side may renegotiate once the first exchange completed
	require.NoError(t, c.relay(negotiation(call, call.CalleeID, domain.NegotiationOffer, `{"re":1}`)))
	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationAnswer, `{"re":1}`)))
	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{"re":2}`)))

	assert.Len(t, ch.received(call.CallerID), 2)
	assert.Len(t, ch.received(call.CalleeID), 3)
}

func TestRelay_Malformed(t *testing.T) {
	c, _, call := newTestCoordinator(4)

	err := c.relay(negotiation(call, call.CallerID, domain.NegotiationKind("pranswer"), `{}`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedEvent))

	err = c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, ``))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedEvent))

	err = c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `null`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedEvent))

	// Malformed events do not count as the first offer
	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{}`)))
}

func TestRelay_BuffersWhileUnreachableAndFlushesInOrder(t *testing.T) {
	c, ch, call := newTestCoordinator(8)
	ch.setOffline(call.CalleeID, true)

	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{"n":0}`)))
	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationCandidate, p)))
	}
	assert.Empty(t, ch.received(call.CalleeID))
	assert.Equal(t, 4, c.pending(call.CalleeID))

	ch.setOffline(call.CalleeID, false)
	assert.Equal(t, 4, c.flush(call.CalleeID))
	assert.Equal(t, 0, c.pending(call.CalleeID))

	got := ch.received(call.CalleeID)
	require.Len(t, got, 4)
	for i, ev := range got {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(ev.Payload))
	}
}

func TestRelay_NewEventsQueueBehindBuffered(t *testing.T) {
	c, ch, call := newTestCoordinator(8)
	ch.setOffline(call.CalleeID, true)

	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{"n":0}`)))
	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationCandidate, `{"n":1}`)))

	// Destination is back but nothing flushed it yet
	ch.setOffline(call.CalleeID, false)
	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationCandidate, `{"n":2}`)))

	got := ch.received(call.CalleeID)
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"n":0}`, string(got[0].Payload))
	assert.JSONEq(t, `{"n":1}`, string(got[1].Payload))
	assert.JSONEq(t, `{"n":2}`, string(got[2].Payload))
}

func TestRelay_BufferDropsOldest(t *testing.T) {
	c, ch, call := newTestCoordinator(2)
	ch.setOffline(call.CalleeID, true)

	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{"n":0}`)))
	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationCandidate, `{"n":1}`)))
	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationCandidate, `{"n":2}`)))
	assert.Equal(t, 2, c.pending(call.CalleeID))

	ch.setOffline(call.CalleeID, false)
	c.flush(call.CalleeID)

	got := ch.received(call.CalleeID)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"n":1}`, string(got[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(got[1].Payload))
}

func TestFlush_StopsAtFirstFailure(t *testing.T) {
	c, ch, call := newTestCoordinator(4)
	ch.setOffline(call.CallerID, true)

	require.NoError(t, c.relay(negotiation(call, call.CallerID, domain.NegotiationOffer, `{}`)))
	require.NoError(t, c.relay(negotiation(call, call.CalleeID, domain.NegotiationAnswer, `{}`)))

	assert.Equal(t, 0, c.flush(call.CallerID))
	assert.Equal(t, 1, c.pending(call.CallerID))
}
