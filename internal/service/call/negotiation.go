package call

import (
	"bytes"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/metrics"
	"callsignal-backend/pkg/ringbuf"
)

// coordinator relays negotiation events between the two legs of one call.
// It is owned by the session actor and never touched from another goroutine.
type coordinator struct {
	callID   uuid.UUID
	callerID uuid.UUID
	calleeID uuid.UUID
	channel  Channel
	metrics  *metrics.Metrics
	log      *zap.Logger

	offerSeen  bool
	answerSeen bool

	// Per-destination events waiting for the destination to become reachable.
	buffers map[uuid.UUID]*ringbuf.RingBuffer[*domain.NegotiationEvent]

	// onSend, when set, observes every send result
	onSend func(to uuid.UUID, err error)
}

func newCoordinator(call *domain.CallSession, channel Channel, m *metrics.Metrics, log *zap.Logger, bufferSize int) *coordinator {
	return &coordinator{
		callID:   call.CallID,
		callerID: call.CallerID,
		calleeID: call.CalleeID,
		channel:  channel,
		metrics:  m,
		log:      log,
		buffers: map[uuid.UUID]*ringbuf.RingBuffer[*domain.NegotiationEvent]{
			call.CallerID: ringbuf.New[*domain.NegotiationEvent](bufferSize),
			call.CalleeID: ringbuf.New[*domain.NegotiationEvent](bufferSize),
		},
	}
}

// relay validates ev against the offer/answer ordering rules and forwards it
// to the other party. The payload is passed through untouched.
func (c *coordinator) relay(ev *domain.NegotiationEvent) error {
	if !ev.Kind.Valid() {
		return apperrors.MalformedEventError("unknown negotiation kind")
	}
	if len(ev.Payload) == 0 || bytes.Equal(ev.Payload, []byte("null")) {
		return apperrors.MalformedEventError("negotiation payload is empty")
	}

	switch ev.Kind {
	case domain.NegotiationOffer:
		switch {
		case !c.offerSeen:
			if ev.OriginatorID != c.callerID {
				return apperrors.InvalidTransitionError("the first offer must come from the caller")
			}
			c.offerSeen = true
		case !c.answerSeen:
			return apperrors.InvalidTransitionError("an offer is already awaiting an answer")
		}
	case domain.NegotiationAnswer:
		if !c.answerSeen {
			if !c.offerSeen {
				return apperrors.InvalidTransitionError("answer received before any offer")
			}
			if ev.OriginatorID != c.calleeID {
				return apperrors.InvalidTransitionError("the first answer must come from the callee")
			}
			c.answerSeen = true
		}
	}

	to := c.calleeID
	if ev.OriginatorID == c.calleeID {
		to = c.callerID
	}
	c.deliver(to, ev)
	return nil
}

// deliver sends ev to the destination or parks it when the destination is
// unreachable. Once anything is parked for a destination, later events queue
// behind it so the originator's order is kept.
func (c *coordinator) deliver(to uuid.UUID, ev *domain.NegotiationEvent) {
	buf := c.buffers[to]
	if buf.Len() > 0 {
		c.park(to, ev)
		c.flush(to)
		return
	}

	if err := c.send(to, ev); err != nil {
		c.log.Debug("Negotiation peer unreachable, buffering",
			zap.String("to", to.String()),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		c.park(to, ev)
		return
	}
	c.metrics.RecordNegotiationRelayed(string(ev.Kind))
}

func (c *coordinator) send(to uuid.UUID, ev *domain.NegotiationEvent) error {
	err := c.channel.Send(to, domain.NegotiationFrame(ev))
	if c.onSend != nil {
		c.onSend(to, err)
	}
	return err
}

func (c *coordinator) park(to uuid.UUID, ev *domain.NegotiationEvent) {
	c.metrics.RecordNegotiationBuffered()
	if c.buffers[to].Push(ev) {
		c.metrics.RecordNegotiationDropped()
		c.log.Warn("Negotiation buffer full, dropped oldest event",
			zap.String("to", to.String()))
	}
}

// flush delivers parked events to the destination in order, stopping at the
// first send that fails.
func (c *coordinator) flush(to uuid.UUID) int {
	buf := c.buffers[to]
	sent := 0
	for {
		ev, ok := buf.Peek()
		if !ok {
			break
		}
		if err := c.send(to, ev); err != nil {
			break
		}
		buf.Pop()
		sent++
		c.metrics.RecordNegotiationRelayed(string(ev.Kind))
	}
	if sent > 0 {
		c.metrics.RecordNegotiationFlushed(sent)
		c.log.Debug("Flushed buffered negotiation events",
			zap.String("to", to.String()),
			zap.Int("count", sent),
			zap.Int("remaining", buf.Len()))
	}
	return sent
}

// pending returns the number of events parked for a destination
func (c *coordinator) pending(to uuid.UUID) int {
	if buf, ok := c.buffers[to]; ok {
		return buf.Len()
	}
	return 0
}
