package usage

import "time"

// DefaultFreeLimitSeconds is the conversation allowance granted to a user who
// has never been seen before (20 minutes).
const DefaultFreeLimitSeconds int64 = 1200

// Record is a user's conversation balance.
type Record struct {
	UserID               string    `json:"user_id"`
	TotalConsumedSeconds int64     `json:"total_consumed_seconds"`
	RemainingSeconds     int64     `json:"remaining_seconds"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

// RemainingMinutes returns the whole minutes left in the balance.
func (r Record) RemainingMinutes() int64 {
	return r.RemainingSeconds / 60
}

// RemainingHours returns the whole hours left in the balance.
func (r Record) RemainingHours() int64 {
	return r.RemainingSeconds / 3600
}

// CanStartCall reports whether a call may be started against rec.
// A nil record means the balance is unknown and never grants entitlement.
func CanStartCall(rec *Record) bool {
	return rec != nil && rec.RemainingSeconds > 0
}
