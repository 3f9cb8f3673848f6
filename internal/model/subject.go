package model

// Subject is a subject students can start an attempt on.
type Subject struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	QuestionCount int    `json:"question_count"`
}
