package model

import "time"

// GradingResult is what the backend hands back after a final submission.
type GradingResult struct {
	AttemptID  string    `json:"attempt_id"`
	Score      float64   `json:"score"`
	Correct    int       `json:"correct"`
	Total      int       `json:"total"`
	FinishedAt time.Time `json:"finished_at"`
}
