package domain

import "time"

// Submission statuses. A submission leaves StatusPending at most once.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Moderation actions carried in callback tokens.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Submission is user-provided script source awaiting or having received a
// moderation decision.
type Submission struct {
	ID         string     `bson:"_id" json:"id"`
	OwnerID    int64      `bson:"owner_id" json:"owner_id"`
	SourceCode string     `bson:"source_code" json:"source_code"`
	Status     string     `bson:"status" json:"status"`
	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	DecidedAt  *time.Time `bson:"decided_at,omitempty" json:"decided_at,omitempty"`
}

// Decided reports whether a moderation decision has been recorded.
func (s Submission) Decided() bool {
	return s.Status != StatusPending
}

// StatusForAction maps a moderation action to the status it produces.
func StatusForAction(action string) (string, bool) {
	switch action {
	case ActionApprove:
		return StatusApproved, true
	case ActionReject:
		return StatusRejected, true
	default:
		return "", false
	}
}
