package audit

import (
	"encoding/json"
	"time"
)

// Entry is an immutable, append-only audit log record for a staging record.
//
// Invariants:
// - Entries are never updated or deleted.
// - ID is assigned by the repository and increases monotonically.
// - StagingID is a reference, not ownership; one record has many entries.
//
// Storage (Postgres): table audit_entries, BIGSERIAL id, trigger rejects UPDATE/DELETE.
type Entry struct {
	ID        int64  `json:"audit_id" db:"id"`
	StagingID string `json:"staging_id" db:"staging_id"`
	Action    Action `json:"action" db:"action"`

	// Actor is the operator id from the access token, or "staff".
	Actor string `json:"actor" db:"actor"`

	// Diff describes the outcome (customer id, card number, window) or the error.
	Diff json.RawMessage `json:"diff,omitempty" db:"diff"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Action string

const (
	ActionUpserted Action = "upserted"
	ActionRenewed  Action = "renewed"
	ActionRejected Action = "rejected"
	ActionError    Action = "error"
)

func (a Action) Valid() bool {
	switch a {
	case ActionUpserted, ActionRenewed, ActionRejected, ActionError:
		return true
	default:
		return false
	}
}

const DefaultActor = "staff"
