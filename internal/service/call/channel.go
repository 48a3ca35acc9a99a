package call

import (
	"github.com/google/uuid"

	"callsignal-backend/internal/domain"
)

// Channel delivers server events to a connected user. Send must not block;
// a non-nil error means the event was not delivered.
type Channel interface {
	Send(userID uuid.UUID, ev *domain.Event) error
}
