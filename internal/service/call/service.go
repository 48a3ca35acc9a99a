package call

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/constants"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

// Service turns inbound signaling events into registry and session
// operations and reports rejected requests back to their originator
type Service struct {
	registry *Registry
	channel  Channel
	metrics  *metrics.Metrics
}

// NewService creates a new call signaling service
func NewService(registry *Registry, channel Channel, m *metrics.Metrics) *Service {
	return &Service{
		registry: registry,
		channel:  channel,
		metrics:  m,
	}
}

// Registry returns the underlying call registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// OnReceive handles one event read from a user's signaling connection
func (s *Service) OnReceive(ctx context.Context, userID uuid.UUID, ev *domain.Event) {
	if err := s.HandleEvent(ctx, userID, ev); err != nil {
		s.reportError(userID, ev, err)
	}
}

// OnConnect resumes a call the user was part of, flushing buffered
// negotiation events to the new connection
func (s *Service) OnConnect(userID uuid.UUID) {
	s.notifyPresence(userID, cmdReconnect)
}

// OnDisconnect starts the disconnect grace period of the user's call, if any
func (s *Service) OnDisconnect(userID uuid.UUID) {
	s.notifyPresence(userID, cmdDisconnect)
}

func (s *Service) notifyPresence(userID uuid.UUID, typ commandType) {
	session, ok := s.registry.sessionForUser(userID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	if err := session.submit(ctx, &command{typ: typ, from: userID}); err != nil {
		logger.Debug("Failed to deliver presence change to call",
			zap.String("user_id", userID.String()),
			zap.String("call_id", session.ID().String()),
			zap.String("event", typ.String()),
			zap.Error(err))
	}
}

// HandleEvent dispatches a client event on behalf of userID
func (s *Service) HandleEvent(ctx context.Context, userID uuid.UUID, ev *domain.Event) error {
	if ev == nil || ev.Type == "" {
		s.metrics.RecordProtocolError(string(apperrors.ErrCodeMalformedEvent))
		return apperrors.MalformedEventError("event type is required")
	}

	if ev.Type == domain.EventCallInitiate {
		_, err := s.registry.BeginCall(ctx, userID, ev.CalleeID, ev.CallKind)
		return err
	}

	var cmd *command
	switch ev.Type {
	case domain.EventCallAnswer:
		cmd = &command{typ: cmdAnswer}
	case domain.EventCallReject:
		cmd = &command{typ: cmdReject}
	case domain.EventCallCancel:
		cmd = &command{typ: cmdCancel}
	case domain.EventCallEnd:
		cmd = &command{typ: cmdEnd}
	case domain.EventMediaConnected:
		cmd = &command{typ: cmdMediaConnected}
	case domain.EventMediaFailed:
		cmd = &command{typ: cmdMediaFailed}
	case domain.EventNegotiation:
		cmd = &command{typ: cmdRelay, neg: &domain.NegotiationEvent{
			Kind:    ev.Kind,
			Payload: ev.Payload,
		}}
	default:
		s.metrics.RecordProtocolError(string(apperrors.ErrCodeMalformedEvent))
		return apperrors.MalformedEventError("unknown event type " + ev.Type)
	}

	if ev.CallID == uuid.Nil {
		return apperrors.MissingFieldError("call_id")
	}
	cmd.from = userID
	return s.registry.submit(ctx, ev.CallID, cmd)
}

// CallStatus returns a call as seen by one of its parties
func (s *Service) CallStatus(callID, userID uuid.UUID) (*domain.CallSession, error) {
	call, err := s.registry.Lookup(callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParty(userID) {
		return nil, apperrors.ForbiddenError("Not a party to this call")
	}
	return call, nil
}

// ActiveCall returns the user's non-terminal call
func (s *Service) ActiveCall(userID uuid.UUID) (*domain.CallSession, error) {
	return s.registry.LookupForUser(userID)
}

// EndCall ends a call on behalf of one of its parties, with the same
// semantics as a call_end event
func (s *Service) EndCall(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error) {
	sess, err := s.registry.session(callID)
	if err != nil {
		return nil, err
	}
	// The registry may forget the session as soon as it ends
	if err := sess.submit(ctx, &command{typ: cmdEnd, from: userID}); err != nil {
		return nil, err
	}
	return sess.Snapshot(), nil
}

// reportError answers a rejected request with a call_error event. Protocol
// errors are dropped after being logged by the session.
func (s *Service) reportError(userID uuid.UUID, ev *domain.Event, err error) {
	appErr := apperrors.GetAppError(err)
	ref := ""
	if ev != nil {
		ref = ev.Type
	}

	if apperrors.IsProtocolError(err) {
		logger.Debug("Dropped signaling event",
			zap.String("user_id", userID.String()),
			zap.String("type", ref),
			zap.Error(err))
		return
	}

	s.metrics.RecordCallRequestRejected(string(appErr.Code))
	logger.Debug("Signaling request rejected",
		zap.String("user_id", userID.String()),
		zap.String("type", ref),
		zap.String("code", string(appErr.Code)))

	out := &domain.Event{
		Type:    domain.EventCallError,
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Ref:     ref,
	}
	if ev != nil {
		out.CallID = ev.CallID
	}
	if sendErr := s.channel.Send(userID, out); sendErr != nil {
		logger.Debug("Failed to deliver call_error",
			zap.String("user_id", userID.String()),
			zap.Error(sendErr))
	}
}
