package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Notification is one user-facing message materialized from a lifecycle
// event. Delivery transport (push, email) is outside this service; rows here
// are what those transports drain.
type Notification struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Title         string
	Description   string
	Kind          string
	AppointmentID uuid.UUID
	CreatedAt     time.Time
}

type Store interface {
	InsertNotification(ctx context.Context, n Notification) error
}
