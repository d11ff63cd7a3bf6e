package models

import "time"

type QuestionStatus int

const (
	QuestionUnanswered QuestionStatus = 0
	QuestionAnswered   QuestionStatus = 1
)

// Question captures a single user utterance.
type Question struct {
	ID        int64          `json:"id"`
	UserID    int64          `json:"user_id"`
	SessionID *int64         `json:"session_id"`
	Content   string         `json:"question"`
	CreatedAt time.Time      `json:"create_time"`
	Status    QuestionStatus `json:"status"`
}

// Answer is the model reply to exactly one question.
type Answer struct {
	ID         int64     `json:"id"`
	QuestionID int64     `json:"question_id"`
	Content    string    `json:"answer"`
	CreatedAt  time.Time `json:"create_time"`
}

// Exchange pairs a question with its answer, if one was stored.
type Exchange struct {
	Question Question
	Answer   *Answer
}

// Answered reports whether the exchange has a stored answer.
func (e Exchange) Answered() bool {
	return e.Answer != nil
}
