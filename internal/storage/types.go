package storage

import "time"

// UsageDocument is the stored form of a user's conversation balance.
type UsageDocument struct {
	UserID                   string    `json:"user_id"`
	TotalConversationSeconds int64     `json:"total_conversation_seconds"`
	Remaining                int64     `json:"remaining"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// DefaultUsageDocument returns the document a user without any stored usage
// is treated as having.
func DefaultUsageDocument(userID string, freeLimitSeconds int64) UsageDocument {
	return UsageDocument{
		UserID:    userID,
		Remaining: freeLimitSeconds,
	}
}

// Consume applies a consumed delta to the document, clamping the balance at zero.
func (d *UsageDocument) Consume(deltaSeconds int64) {
	d.TotalConversationSeconds += deltaSeconds
	d.Remaining -= deltaSeconds
	if d.Remaining < 0 {
		d.Remaining = 0
	}
}
