package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/config"
	"callsignal-backend/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errOffline = errors.New("offline")

// fakeChannel records every event delivered per user. Users marked offline
// make Send fail.
type fakeChannel struct {
	mu      sync.Mutex
	events  map[uuid.UUID][]*domain.Event
	offline map[uuid.UUID]bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events:  make(map[uuid.UUID][]*domain.Event),
		offline: make(map[uuid.UUID]bool),
	}
}

func (f *fakeChannel) Send(userID uuid.UUID, ev *domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[userID] {
		return errOffline
	}
	f.events[userID] = append(f.events[userID], ev)
	return nil
}

func (f *fakeChannel) setOffline(userID uuid.UUID, offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[userID] = offline
}

func (f *fakeChannel) received(userID uuid.UUID) []*domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Event, len(f.events[userID]))
	copy(out, f.events[userID])
	return out
}

func (f *fakeChannel) types(userID uuid.UUID) []string {
	var out []string
	for _, ev := range f.received(userID) {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fakeChannel) hasType(userID uuid.UUID, typ string) bool {
	for _, ev := range f.received(userID) {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func (f *fakeChannel) last(userID uuid.UUID) *domain.Event {
	events := f.received(userID)
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

func testCallConfig() config.CallConfig {
	return config.CallConfig{
		RingTimeout:           time.Minute,
		DisconnectGrace:       time.Minute,
		NegotiationBufferSize: 4,
		ProtocolErrorLimit:    3,
		RetainTerminal:        time.Minute,
	}
}

// newTestRegistry builds a registry that is closed when the test ends
func newTestRegistry(t *testing.T, cfg config.CallConfig) (*Registry, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	r := NewRegistry(cfg, ch, metrics.NewMetrics("test"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, r.Close(ctx))
	})
	return r, ch
}

func waitState(t *testing.T, r *Registry, callID uuid.UUID, want domain.CallState) *domain.CallSession {
	t.Helper()
	var call *domain.CallSession
	require.Eventually(t, func() bool {
		var err error
		call, err = r.Lookup(callID)
		return err == nil && call.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return call
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}
