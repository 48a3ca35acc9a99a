package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/config"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

// Registry maps each user to at most one non-terminal call and owns the
// session actors. slots is the only state shared between actors; it is
// mutated under mu by BeginCall and by a session reaching a terminal state.
type Registry struct {
	cfg     config.CallConfig
	channel Channel
	metrics *metrics.Metrics

	mu       sync.Mutex
	slots    map[uuid.UUID]uuid.UUID
	sessions map[uuid.UUID]*Session
	closed   bool

	actors sync.WaitGroup
}

// NewRegistry creates an empty registry
func NewRegistry(cfg config.CallConfig, channel Channel, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:      cfg,
		channel:  channel,
		metrics:  m,
		slots:    make(map[uuid.UUID]uuid.UUID),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// BeginCall claims the slots of both parties and starts a ringing session.
// Either both slots are claimed or neither is.
func (r *Registry) BeginCall(ctx context.Context, callerID, calleeID uuid.UUID, kind domain.CallKind) (*domain.CallSession, error) {
	if callerID == uuid.Nil || calleeID == uuid.Nil {
		return nil, apperrors.MissingFieldError("callee_id")
	}
	if callerID == calleeID {
		return nil, apperrors.InvalidInputError("Cannot call yourself")
	}
	if !kind.Valid() {
		return nil, apperrors.InvalidInputError("call_kind must be voice or video")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, apperrors.ServiceUnavailableError("Signaling is shutting down")
	}
	if _, busy := r.slots[callerID]; busy {
		return nil, apperrors.AlreadyInCallError()
	}
	if _, busy := r.slots[calleeID]; busy {
		return nil, apperrors.AlreadyInCallError()
	}

	call := domain.CallSession{
		CallID:    uuid.New(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Kind:      kind,
		State:     domain.CallStateRinging,
		CreatedAt: time.Now(),
	}
	s := newSession(call, r.cfg, r.channel, r.metrics, r.release)

	r.slots[callerID] = call.CallID
	r.slots[calleeID] = call.CallID
	r.sessions[call.CallID] = s

	r.actors.Add(1)
	go func() {
		defer r.actors.Done()
		s.run()
	}()

	r.metrics.RecordCallStarted(string(kind))
	return s.Snapshot(), nil
}

// release frees both slots of a terminal session and schedules it to be
// forgotten once the retention window has passed. Runs on the session actor.
func (r *Registry) release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[s.callerID] == s.callID {
		delete(r.slots, s.callerID)
	}
	if r.slots[s.calleeID] == s.callID {
		delete(r.slots, s.calleeID)
	}

	if r.closed || r.cfg.RetainTerminal <= 0 {
		delete(r.sessions, s.callID)
		return
	}
	s.forgetTimer = time.AfterFunc(r.cfg.RetainTerminal, func() {
		r.forget(s.callID)
	})
}

func (r *Registry) forget(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

func (r *Registry) session(callID uuid.UUID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return s, nil
}

func (r *Registry) sessionForUser(userID uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	callID, ok := r.slots[userID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[callID]
	return s, ok
}

// Lookup returns the current view of a call, including terminal calls still
// inside the retention window
func (r *Registry) Lookup(callID uuid.UUID) (*domain.CallSession, error) {
	s, err := r.session(callID)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// LookupForUser returns the non-terminal call the user is part of
func (r *Registry) LookupForUser(userID uuid.UUID) (*domain.CallSession, error) {
	s, ok := r.sessionForUser(userID)
	if !ok {
		return nil, apperrors.NotFoundError("Active call")
	}
	call := s.Snapshot()
	if call.State.Terminal() {
		return nil, apperrors.NotFoundError("Active call")
	}
	return call, nil
}

// EndCall drives the call to the terminal state implied by reason. Ending a
// call that already finished is a no-op.
func (r *Registry) EndCall(ctx context.Context, callID uuid.UUID, reason domain.EndReason) error {
	s, err := r.session(callID)
	if err != nil {
		return err
	}
	return s.submit(ctx, &command{typ: cmdTerminate, reason: reason})
}

// submit routes a participant's event to the session actor of callID
func (r *Registry) submit(ctx context.Context, callID uuid.UUID, cmd *command) error {
	s, err := r.session(callID)
	if err != nil {
		return err
	}
	return s.submit(ctx, cmd)
}

// ActiveCount returns the number of users currently holding a slot
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Close refuses new calls, terminates every live session with
// server_shutdown and waits for the actors to exit
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.forgetTimer != nil {
			s.forgetTimer.Stop()
		}
		live = append(live, s)
	}
	r.mu.Unlock()

	var errs error
	for _, s := range live {
		err := s.submit(ctx, &command{typ: cmdTerminate, reason: domain.EndReasonServerShutdown})
		errs = multierr.Append(errs, err)
	}

	waited := make(chan struct{})
	go func() {
		r.actors.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
	}

	if errs != nil {
		logger.Warn("Call registry closed with errors", zap.Error(errs))
	} else {
		logger.Info("Call registry closed", zap.Int("sessions", len(live)))
	}
	return errs
}
