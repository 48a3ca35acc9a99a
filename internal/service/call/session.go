package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/config"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

type commandType int

const (
	cmdAnswer commandType = iota
	cmdReject
	cmdCancel
	cmdEnd
	cmdRelay
	cmdMediaConnected
	cmdMediaFailed
	cmdDisconnect
	cmdReconnect
	cmdTerminate
)

func (t commandType) String() string {
	switch t {
	case cmdAnswer:
		return "answer"
	case cmdReject:
		return "reject"
	case cmdCancel:
		return "cancel"
	case cmdEnd:
		return "end"
	case cmdRelay:
		return "relay"
	case cmdMediaConnected:
		return "media_connected"
	case cmdMediaFailed:
		return "media_failed"
	case cmdDisconnect:
		return "disconnect"
	case cmdReconnect:
		return "reconnect"
	case cmdTerminate:
		return "terminate"
	}
	return "unknown"
}

// command is one event submitted to a session actor
type command struct {
	typ    commandType
	from   uuid.UUID
	reason domain.EndReason
	neg    *domain.NegotiationEvent
	reply  chan error
}

// Session is the actor that owns one call attempt. Every transition runs on
// the actor goroutine; other goroutines talk to it through submit and read it
// through Snapshot.
type Session struct {
	callID   uuid.UUID
	callerID uuid.UUID
	calleeID uuid.UUID

	cfg        config.CallConfig
	channel    Channel
	metrics    *metrics.Metrics
	log        *zap.Logger
	onTerminal func(*Session)

	inbox chan *command
	done  chan struct{}

	// Actor-owned state
	call           domain.CallSession
	coord          *coordinator
	mediaUp        map[uuid.UUID]bool
	protocolErrors int
	ringTimer      *time.Timer
	graceTimers    map[uuid.UUID]*time.Timer
	offline        map[uuid.UUID]bool

	snapMu sync.RWMutex
	snap   domain.CallSession

	// Guarded by the registry lock
	forgetTimer *time.Timer
}

func newSession(call domain.CallSession, cfg config.CallConfig, channel Channel, m *metrics.Metrics, onTerminal func(*Session)) *Session {
	log := logger.ForCall(call.CallID, call.CallerID, call.CalleeID)
	s := &Session{
		callID:      call.CallID,
		callerID:    call.CallerID,
		calleeID:    call.CalleeID,
		cfg:         cfg,
		channel:     channel,
		metrics:     m,
		log:         log,
		onTerminal:  onTerminal,
		inbox:       make(chan *command),
		done:        make(chan struct{}),
		call:        call,
		mediaUp:     make(map[uuid.UUID]bool, 2),
		graceTimers: make(map[uuid.UUID]*time.Timer, 2),
		offline:     make(map[uuid.UUID]bool, 2),
		snap:        call,
	}
	s.coord = newCoordinator(&s.call, channel, m, log, cfg.NegotiationBufferSize)
	s.coord.onSend = s.observeSend
	return s
}

// ID returns the call id
func (s *Session) ID() uuid.UUID {
	return s.callID
}

// Done is closed once the session reached a terminal state and its actor exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns a copy of the call as of the last transition
func (s *Session) Snapshot() *domain.CallSession {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()

	out := s.snap
	if s.snap.EndedAt != nil {
		endedAt := *s.snap.EndedAt
		out.EndedAt = &endedAt
	}
	return &out
}

func (s *Session) publish() {
	s.snapMu.Lock()
	s.snap = s.call
	s.snapMu.Unlock()
}

// submit hands cmd to the actor and waits for its verdict
func (s *Session) submit(ctx context.Context, cmd *command) error {
	cmd.reply = make(chan error, 1)

	select {
	case s.inbox <- cmd:
	case <-s.done:
		return s.afterTerminal(cmd)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// afterTerminal answers commands that arrive once the actor has exited.
// Duplicate terminations are no-ops.
func (s *Session) afterTerminal(cmd *command) error {
	if cmd.typ != cmdTerminate && cmd.typ != cmdDisconnect && cmd.typ != cmdReconnect &&
		cmd.from != s.callerID && cmd.from != s.calleeID {
		return apperrors.ForbiddenError("Not a party to this call")
	}
	switch cmd.typ {
	case cmdAnswer, cmdRelay, cmdMediaFailed:
		return apperrors.InvalidTransitionError("call has already finished")
	}
	return nil
}

func (s *Session) run() {
	defer close(s.done)

	s.ringTimer = time.NewTimer(s.cfg.RingTimeout)
	s.log.Info("Call ringing", zap.String("call_kind", string(s.call.Kind)))
	s.notifyRinging(s.callerID)
	s.notifyRinging(s.calleeID)

	for !s.call.State.Terminal() {
		select {
		case cmd := <-s.inbox:
			cmd.reply <- s.handle(cmd)
		case <-timerC(s.ringTimer):
			s.ringTimer = nil
			s.log.Info("Ring timeout elapsed", zap.Duration("timeout", s.cfg.RingTimeout))
			s.finish(domain.EndReasonTimeout, uuid.Nil)
		case <-timerC(s.graceTimers[s.callerID]):
			s.graceExpired(s.callerID)
		case <-timerC(s.graceTimers[s.calleeID]):
			s.graceExpired(s.calleeID)
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Session) handle(cmd *command) error {
	if cmd.typ != cmdTerminate && !s.call.IsParty(cmd.from) {
		return apperrors.ForbiddenError("Not a party to this call")
	}

	var err error
	switch cmd.typ {
	case cmdAnswer:
		err = s.answer(cmd.from)
	case cmdReject:
		err = s.reject(cmd.from)
	case cmdCancel:
		err = s.cancel(cmd.from)
	case cmdEnd:
		err = s.end(cmd.from)
	case cmdRelay:
		err = s.relay(cmd.from, cmd.neg)
	case cmdMediaConnected:
		err = s.mediaConnected(cmd.from)
	case cmdMediaFailed:
		err = s.mediaFailed(cmd.from)
	case cmdDisconnect:
		s.disconnected(cmd.from)
	case cmdReconnect:
		s.reconnected(cmd.from)
	case cmdTerminate:
		s.finish(cmd.reason, uuid.Nil)
	}

	if apperrors.IsProtocolError(err) {
		s.protocolError(cmd, err)
	}
	return err
}

func (s *Session) answer(from uuid.UUID) error {
	if s.call.State != domain.CallStateRinging {
		return apperrors.InvalidTransitionError("call can only be answered while ringing")
	}
	if from != s.calleeID {
		return apperrors.ForbiddenError("Only the callee can answer")
	}

	s.stopRingTimer()
	s.transition(domain.CallStateNegotiating)
	for _, id := range []uuid.UUID{s.callerID, s.calleeID} {
		if s.offline[id] {
			s.startGrace(id)
		}
	}
	s.send(s.callerID, &domain.Event{Type: domain.EventCallAnswered, CallID: s.callID})
	return nil
}

func (s *Session) reject(from uuid.UUID) error {
	if s.call.State != domain.CallStateRinging {
		return nil
	}
	if from != s.calleeID {
		return apperrors.ForbiddenError("Only the callee can reject")
	}
	s.finish(domain.EndReasonRejected, from)
	return nil
}

func (s *Session) cancel(from uuid.UUID) error {
	if s.call.State != domain.CallStateRinging {
		return s.end(from)
	}
	if from != s.callerID {
		return apperrors.ForbiddenError("Only the caller can cancel")
	}
	s.finish(domain.EndReasonCancelled, from)
	return nil
}

func (s *Session) end(from uuid.UUID) error {
	switch s.call.State {
	case domain.CallStateRinging:
		if from == s.callerID {
			return s.cancel(from)
		}
		return s.reject(from)
	case domain.CallStateNegotiating, domain.CallStateConnected:
		s.finish(domain.EndReasonHangup, from)
	}
	return nil
}

func (s *Session) relay(from uuid.UUID, ev *domain.NegotiationEvent) error {
	if ev == nil {
		return apperrors.MalformedEventError("negotiation event is missing")
	}
	if s.call.State != domain.CallStateNegotiating && s.call.State != domain.CallStateConnected {
		return apperrors.InvalidTransitionError("negotiation is only allowed after the call is answered")
	}
	ev.CallID = s.callID
	ev.OriginatorID = from
	return s.coord.relay(ev)
}

func (s *Session) mediaConnected(from uuid.UUID) error {
	switch s.call.State {
	case domain.CallStateRinging:
		return apperrors.InvalidTransitionError("media cannot connect before the call is answered")
	case domain.CallStateConnected:
		return nil
	}

	s.mediaUp[from] = true
	if s.mediaUp[s.callerID] && s.mediaUp[s.calleeID] {
		s.transition(domain.CallStateConnected)
		ev := &domain.Event{Type: domain.EventCallConnected, CallID: s.callID}
		s.send(s.callerID, ev)
		s.send(s.calleeID, ev)
	}
	return nil
}

func (s *Session) mediaFailed(from uuid.UUID) error {
	if s.call.State == domain.CallStateRinging {
		return apperrors.InvalidTransitionError("media cannot fail before the call is answered")
	}
	s.log.Warn("Media transport reported failure", zap.String("from", from.String()))
	s.finish(domain.EndReasonNegotiationFailed, uuid.Nil)
	return nil
}

// disconnected marks a party offline and starts its grace period. While
// ringing only the mark is kept; the grace period starts once the call is
// answered.
func (s *Session) disconnected(userID uuid.UUID) {
	s.offline[userID] = true
	if s.call.State == domain.CallStateRinging {
		s.log.Info("Party disconnected while ringing", zap.String("user_id", userID.String()))
		return
	}
	s.startGrace(userID)
}

func (s *Session) startGrace(userID uuid.UUID) {
	if s.graceTimers[userID] != nil {
		return
	}
	s.log.Info("Party unreachable, grace period started",
		zap.String("user_id", userID.String()),
		zap.Duration("grace", s.cfg.DisconnectGrace))
	s.graceTimers[userID] = time.NewTimer(s.cfg.DisconnectGrace)
}

// observeSend tracks reachability through send results once the call is
// answered. A failed send starts the grace period; a later successful one
// to a party that never reported a disconnect cancels it.
func (s *Session) observeSend(to uuid.UUID, err error) {
	if s.call.State != domain.CallStateNegotiating && s.call.State != domain.CallStateConnected {
		return
	}
	if err != nil {
		s.startGrace(to)
		return
	}
	if t := s.graceTimers[to]; t != nil && !s.offline[to] {
		t.Stop()
		delete(s.graceTimers, to)
		s.log.Info("Party reachable again", zap.String("user_id", to.String()))
	}
}

func (s *Session) reconnected(userID uuid.UUID) {
	delete(s.offline, userID)
	if t := s.graceTimers[userID]; t != nil {
		t.Stop()
		delete(s.graceTimers, userID)
		s.log.Info("Party reconnected within grace period", zap.String("user_id", userID.String()))
	}

	if s.call.State == domain.CallStateRinging {
		s.notifyRinging(userID)
		return
	}
	s.coord.flush(userID)
}

func (s *Session) graceExpired(userID uuid.UUID) {
	delete(s.graceTimers, userID)
	s.log.Info("Party lost after grace period", zap.String("user_id", userID.String()))

	if s.call.State == domain.CallStateNegotiating {
		s.finish(domain.EndReasonNegotiationFailed, uuid.Nil)
		return
	}
	s.finish(domain.EndReasonPeerLost, uuid.Nil)
}

func (s *Session) protocolError(cmd *command, err error) {
	s.protocolErrors++
	code := string(apperrors.GetAppError(err).Code)
	s.metrics.RecordProtocolError(code)
	s.log.Warn("Protocol error",
		zap.String("event", cmd.typ.String()),
		zap.String("from", cmd.from.String()),
		zap.Int("count", s.protocolErrors),
		zap.Error(err))

	if s.cfg.ProtocolErrorLimit > 0 && s.protocolErrors > s.cfg.ProtocolErrorLimit &&
		!s.call.State.Terminal() {
		s.finish(domain.EndReasonProtocolError, uuid.Nil)
	}
}

func (s *Session) transition(to domain.CallState) {
	s.log.Info("Call state changed",
		zap.String("from", string(s.call.State)),
		zap.String("to", string(to)))
	s.call.State = to
	s.publish()
}

// finish moves the call to the terminal state implied by reason, releases
// the registry slots and notifies the parties. by is the party whose request
// caused it, or uuid.Nil when a timer or the server did.
func (s *Session) finish(reason domain.EndReason, by uuid.UUID) {
	now := time.Now()
	state := reason.TerminalState()

	s.stopRingTimer()
	for id, t := range s.graceTimers {
		t.Stop()
		delete(s.graceTimers, id)
	}

	s.log.Info("Call finished",
		zap.String("from", string(s.call.State)),
		zap.String("state", string(state)),
		zap.String("reason", string(reason)))

	s.call.State = state
	s.call.EndedAt = &now
	s.call.EndReason = reason

	// Slots are free before anyone can observe the terminal state
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
	s.publish()
	s.metrics.RecordCallEnded(string(s.call.Kind), string(state), string(reason), now.Sub(s.call.CreatedAt))

	if reason == domain.EndReasonRejected {
		s.send(s.callerID, &domain.Event{Type: domain.EventCallRejected, CallID: s.callID})
		return
	}
	ev := &domain.Event{Type: domain.EventCallEnded, CallID: s.callID, Reason: reason}
	for _, id := range []uuid.UUID{s.callerID, s.calleeID} {
		if id != by {
			s.send(id, ev)
		}
	}
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) notifyRinging(userID uuid.UUID) {
	if userID == s.callerID {
		s.send(s.callerID, &domain.Event{Type: domain.EventCallRinging, CallID: s.callID})
		return
	}
	s.send(s.calleeID, &domain.Event{
		Type:     domain.EventIncomingCall,
		CallID:   s.callID,
		CallerID: s.callerID,
		CallKind: s.call.Kind,
	})
}

// send does not retry; an unreachable party starts its grace period.
func (s *Session) send(userID uuid.UUID, ev *domain.Event) {
	err := s.channel.Send(userID, ev)
	if err != nil {
		s.log.Debug("Signaling event not delivered",
			zap.String("to", userID.String()),
			zap.String("type", ev.Type),
			zap.Error(err))
	}
	s.observeSend(userID, err)
}
