package meter

import (
	"fmt"
	"time"
)

// State is the lifecycle stage of a metered call
type State int

const (
	StateIdle State = iota
	StateActive
	StateTerminating
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EndReason records why a call ended
type EndReason string

const (
	ReasonUser       EndReason = "user"
	ReasonExhausted  EndReason = "exhausted"
	ReasonAgentError EndReason = "agent_error"
	ReasonUnload     EndReason = "unload"
	ReasonShutdown   EndReason = "shutdown"
)

// ParseEndReason validates a reason supplied by a client. Only reasons a
// client can legitimately report are accepted.
func ParseEndReason(s string) (EndReason, error) {
	switch EndReason(s) {
	case "":
		return ReasonUser, nil
	case ReasonUser, ReasonAgentError:
		return EndReason(s), nil
	default:
		return "", fmt.Errorf("invalid end reason: %s", s)
	}
}

// Snapshot is a point-in-time view of a metered call.
type Snapshot struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	ConversationID   string    `json:"conversation_id"`
	State            State     `json:"state"`
	ElapsedSeconds   int64     `json:"elapsed_seconds"`
	LastFlushedAt    int64     `json:"last_flushed_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	RemainingTime    string    `json:"remaining_time,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at,omitempty"`
	EndReason        EndReason `json:"end_reason,omitempty"`
}
