package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
	apperrors "callsignal-backend/pkg/errors"
)

func TestBeginCall_ClaimsBothSlots(t *testing.T) {
	r, _ := newTestRegistry(t, testCallConfig())
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	call, err := r.BeginCall(ctx, a, b, domain.CallKindVideo)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, call.CallID)
	assert.Equal(t, domain.CallStateRinging, call.State)

	forA, err := r.LookupForUser(a)
	require.NoError(t, err)
	forB, err := r.LookupForUser(b)
	require.NoError(t, err)
	assert.Equal(t, call.CallID, forA.CallID)
	assert.Equal(t, call.CallID, forB.CallID)

	_, err = r.BeginCall(ctx, c, a, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyInCall))
	_, err = r.BeginCall(ctx, b, c, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyInCall))

	_, err = r.LookupForUser(c)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestBeginCall_InvalidInput(t *testing.T) {
	r, _ := newTestRegistry(t, testCallConfig())
	ctx := context.Background()
	a := uuid.New()

	_, err := r.BeginCall(ctx, a, a, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	_, err = r.BeginCall(ctx, a, uuid.New(), domain.CallKind("hologram"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	_, err = r.BeginCall(ctx, a, uuid.Nil, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	assert.Equal(t, 0, r.ActiveCount())
}

func TestBeginCall_CalleeBusyLeavesNoEntryForCaller(t *testing.T) {
	r, _ := newTestRegistry(t, testCallConfig())
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	_, err := r.BeginCall(ctx, b, c, domain.CallKindVoice)
	require.NoError(t, err)

	_, err = r.BeginCall(ctx, a, b, domain.CallKindVideo)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyInCall))

	_, err = r.LookupForUser(a)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	assert.Equal(t, 2, r.ActiveCount())
}

func TestBeginCall_ConcurrentCallsToSameUser(t *testing.T) {
	r, _ := newTestRegistry(t, testCallConfig())
	target := uuid.New()

	const attempts = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		busy    int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = r.BeginCall(context.Background(), target, uuid.New(), domain.CallKindVoice)
			} else {
				_, err = r.BeginCall(context.Background(), uuid.New(), target, domain.CallKindVoice)
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else if apperrors.HasCode(err, apperrors.ErrCodeAlreadyInCall) {
				busy++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, attempts-1, busy)
	assert.Equal(t, 2, r.ActiveCount())
}

func TestRingTimeout_FailsAndReleasesSlots(t *testing.T) {
	cfg := testCallConfig()
	cfg.RingTimeout = 30 * time.Millisecond
	r, ch := newTestRegistry(t, cfg)
	a, b := uuid.New(), uuid.New()

	call, err := r.BeginCall(context.Background(), a, b, domain.CallKindVoice)
	require.NoError(t, err)

	final := waitState(t, r, call.CallID, domain.CallStateFailed)
	assert.Equal(t, domain.EndReasonTimeout, final.EndReason)
	require.NotNil(t, final.EndedAt)

	_, err = r.LookupForUser(a)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	_, err = r.LookupForUser(b)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	assert.Equal(t, 0, r.ActiveCount())

	assert.Eventually(t, func() bool {
		ev := ch.last(b)
		return ev != nil && ev.Type == domain.EventCallEnded && ev.Reason == domain.EndReasonTimeout
	}, time.Second, 5*time.Millisecond)
}

func TestRingTimeout_CalleeDisconnectedStillTimesOut(t *testing.T) {
	cfg := testCallConfig()
	cfg.RingTimeout = 60 * time.Millisecond
	cfg.DisconnectGrace = 10 * time.Millisecond
	r, ch := newTestRegistry(t, cfg)
	svc := NewService(r, ch, r.metrics)
	a, b := uuid.New(), uuid.New()

	call, err := r.BeginCall(context.Background(), a, b, domain.CallKindVoice)
	require.NoError(t, err)

	ch.setOffline(b, true)
	svc.OnDisconnect(b)

	final := waitState(t, r, call.CallID, domain.CallStateFailed)
	assert.Equal(t, domain.EndReasonTimeout, final.EndReason)
}

func TestEndCall_Idempotent(t *testing.T) {
	r, ch := newTestRegistry(t, testCallConfig())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	call, err := r.BeginCall(ctx, a, b, domain.CallKindVoice)
	require.NoError(t, err)

	require.NoError(t, r.EndCall(ctx, call.CallID, domain.EndReasonHangup))
	first, err := r.Lookup(call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateEnded, first.State)
	assert.Equal(t, domain.EndReasonHangup, first.EndReason)

	require.NoError(t, r.EndCall(ctx, call.CallID, domain.EndReasonPeerLost))
	second, err := r.Lookup(call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.EndReasonHangup, second.EndReason)
	assert.Equal(t, first.EndedAt, second.EndedAt)

	ended := 0
	for _, typ := range ch.types(a) {
		if typ == domain.EventCallEnded {
			ended++
		}
	}
	assert.Equal(t, 1, ended)
}

func TestEndCall_ReasonSelectsTerminalState(t *testing.T) {
	r, _ := newTestRegistry(t, testCallConfig())
	ctx := context.Background()

	call, err := r.BeginCall(ctx, uuid.New(), uuid.New(), domain.CallKindVoice)
	require.NoError(t, err)

	require.NoError(t, r.EndCall(ctx, call.CallID, domain.EndReasonNegotiationFailed))
	final, err := r.Lookup(call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateFailed, final.State)
}

func TestLookup_UnknownCall(t *testing.T) {
	r, _ := newTestRegistry(t, testCallConfig())

	_, err := r.Lookup(uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	err = r.EndCall(context.Background(), uuid.New(), domain.EndReasonHangup)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestTerminalCall_ForgottenAfterRetention(t *testing.T) {
	cfg := testCallConfig()
	cfg.RetainTerminal = 20 * time.Millisecond
	r, _ := newTestRegistry(t, cfg)
	ctx := context.Background()

	call, err := r.BeginCall(ctx, uuid.New(), uuid.New(), domain.CallKindVoice)
	require.NoError(t, err)
	require.NoError(t, r.EndCall(ctx, call.CallID, domain.EndReasonHangup))

	assert.Eventually(t, func() bool {
		_, err := r.Lookup(call.CallID)
		return apperrors.HasCode(err, apperrors.ErrCodeCallNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestSlotsReusableAfterTerminal(t *testing.T) {
	r, _ := newTestRegistry(t, testCallConfig())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	call, err := r.BeginCall(ctx, a, b, domain.CallKindVoice)
	require.NoError(t, err)
	require.NoError(t, r.EndCall(ctx, call.CallID, domain.EndReasonCancelled))

	next, err := r.BeginCall(ctx, b, a, domain.CallKindVideo)
	require.NoError(t, err)
	assert.NotEqual(t, call.CallID, next.CallID)
}

func TestClose_TerminatesLiveSessions(t *testing.T) {
	r, ch := newTestRegistry(t, testCallConfig())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	call, err := r.BeginCall(ctx, a, b, domain.CallKindVoice)
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(closeCtx))

	ev := ch.last(a)
	require.NotNil(t, ev)
	assert.Equal(t, domain.EventCallEnded, ev.Type)
	assert.Equal(t, domain.EndReasonServerShutdown, ev.Reason)
	assert.Equal(t, call.CallID, ev.CallID)
	assert.Equal(t, 0, r.ActiveCount())

	_, err = r.BeginCall(ctx, a, b, domain.CallKindVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavail))
}
