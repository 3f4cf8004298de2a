// internal/models/queue.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueEntry is a participant waiting to be paired at a given wager tier.
// At most one live entry exists per participant (unique constraint in the
// queue_entries table). Entries are destroyed on pairing, explicit cancel,
// or the staleness sweep.
type QueueEntry struct {
	UserID     uuid.UUID `json:"user_id"`
	Wager      int64     `json:"wager"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
