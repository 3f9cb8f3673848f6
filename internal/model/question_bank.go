package model

// BankQuestion is a question as the backend stores it, correct option included.
type BankQuestion struct {
	ID      string   `json:"id" binding:"required,qid"`
	Prompt  string   `json:"prompt" binding:"required"`
	Options []string `json:"options" binding:"required,min=2,dive,required"`
	Correct int      `json:"correct" binding:"min=0"`
}

// Public strips the correct option.
func (q BankQuestion) Public() Question {
	return Question{
		ID:      q.ID,
		Prompt:  q.Prompt,
		Options: append([]string(nil), q.Options...),
	}
}

// QuestionBank is the full set of questions served for one subject.
type QuestionBank struct {
	SubjectID string         `json:"subject_id" binding:"required,qid"`
	Name      string         `json:"name" binding:"required,min=2,max=100"`
	Questions []BankQuestion `json:"questions" binding:"required,min=1,dive"`
}

// PublicQuestions returns the questions without their answer key.
func (b *QuestionBank) PublicQuestions() []Question {
	out := make([]Question, len(b.Questions))
	for i, q := range b.Questions {
		out[i] = q.Public()
	}
	return out
}

// AnswerKey maps question ID to the correct option.
func (b *QuestionBank) AnswerKey() map[string]int {
	key := make(map[string]int, len(b.Questions))
	for _, q := range b.Questions {
		key[q.ID] = q.Correct
	}
	return key
}
