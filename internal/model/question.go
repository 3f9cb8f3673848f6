package model

// Question is a single question as served to the student. The correct option
// never leaves the backend.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// HasOption reports whether idx addresses one of the question's options.
func (q Question) HasOption(idx int) bool {
	return idx >= 0 && idx < len(q.Options)
}
