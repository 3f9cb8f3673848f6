package model

import (
	"time"
)

// Attempt is one timed exam instance issued by the backend.
type Attempt struct {
	AttemptID string     `json:"attempt_id"`
	SubjectID string     `json:"subject_id"`
	Questions []Question `json:"questions"`
	ExpiresAt time.Time  `json:"expires_at"`
	Submitted bool       `json:"submitted"`
}

// AnswerSet maps question ID to the selected option index. Only touched
// questions have a key.
type AnswerSet map[string]int

// Clone returns an independent copy.
func (a AnswerSet) Clone() AnswerSet {
	out := make(AnswerSet, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// FlagSet holds question IDs marked for review. It is a UI aid and is never
// sent for grading.
type FlagSet map[string]bool

// Clone returns an independent copy.
func (f FlagSet) Clone() FlagSet {
	out := make(FlagSet, len(f))
	for k, v := range f {
		if v {
			out[k] = true
		}
	}
	return out
}

// StartAttemptResponse is the data payload returned when an attempt is created.
type StartAttemptResponse struct {
	AttemptID string     `json:"attempt_id"`
	SubjectID string     `json:"subject_id"`
	Questions []Question `json:"questions"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// SubmitAttemptRequest is the payload for an awaited final submission.
type SubmitAttemptRequest struct {
	Answers AnswerSet `json:"answers" binding:"required,dive,min=0"`
}

// TeardownSubmitRequest is the payload of a fire-and-forget submission. The
// token travels in the body because a teardown-time send cannot set headers.
type TeardownSubmitRequest struct {
	AttemptID string    `json:"attempt_id" binding:"required"`
	Answers   AnswerSet `json:"answers" binding:"required,dive,min=0"`
	Token     string    `json:"token" binding:"required"`
}

// IssueTokenRequest is the payload for obtaining a development student token.
type IssueTokenRequest struct {
	StudentID int `json:"student_id" binding:"required,min=1"`
}
