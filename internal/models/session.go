package models

import "time"

type SessionStatus int

const (
	SessionClosed SessionStatus = 0
	SessionActive SessionStatus = 1
)

// Session groups a sequence of questions from one user.
type Session struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"user_id"`
	Title     string        `json:"title"`
	CreatedAt time.Time     `json:"create_time"`
	UpdatedAt time.Time     `json:"update_time"`
	Status    SessionStatus `json:"status"`
}

// Active reports whether the session still accepts questions.
func (s *Session) Active() bool {
	return s != nil && s.Status == SessionActive
}

// SessionSummary is a session annotated with its question count.
type SessionSummary struct {
	Session
	QuestionCount int64 `json:"question_count"`
}

const maxDerivedTitle = 50

// TitleFromQuestion derives a session title from the first question: the
// first 50 characters, with an ellipsis when the question is longer.
func TitleFromQuestion(question string) string {
	runes := []rune(question)
	if len(runes) <= maxDerivedTitle {
		return question
	}
	return string(runes[:maxDerivedTitle]) + "..."
}
