package model

import (
	"math"
	"time"
)

// SessionSnapshot is the full restorable state of an in-progress attempt,
// written to the volatile tier on every change.
type SessionSnapshot struct {
	AttemptID        string     `json:"attempt_id"`
	SubjectID        string     `json:"subject_id"`
	Questions        []Question `json:"questions"`
	Answers          AnswerSet  `json:"answers"`
	Flagged          FlagSet    `json:"flagged"`
	CurrentIndex     int        `json:"current_index"`
	ExpiresAt        time.Time  `json:"expires_at"`
	SecondsRemaining int        `json:"seconds_remaining"`
}

// PendingSubmission is the minimal payload needed to redeliver a final
// submission after the process went away. It lives in the durable tier.
type PendingSubmission struct {
	AttemptID string    `json:"attempt_id"`
	Answers   AnswerSet `json:"answers"`
}

// SecondsUntil returns whole seconds from now until expiresAt, rounded up and
// clamped at zero.
func SecondsUntil(expiresAt, now time.Time) int {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
