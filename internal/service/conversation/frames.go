package conversation

import (
	"time"

	"servicebot/internal/models"
)

const (
	FrameQuestion = "question"
	FrameChunk    = "chunk"
	FrameComplete = "complete"
	FrameError    = "error"
)

// Frame is one event of a streamed answer.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type QuestionData struct {
	ID         int64     `json:"id"`
	Question   string    `json:"question"`
	CreateTime time.Time `json:"create_time"`
	SessionID  int64     `json:"session_id"`
}

type ChunkData struct {
	Chunk   string `json:"chunk"`
	IsFinal bool   `json:"is_final"`
}

type CompleteData struct {
	QuestionID int64  `json:"question_id"`
	FullAnswer string `json:"full_answer"`
	SessionID  int64  `json:"session_id"`
}

type ErrorData struct {
	Error      string `json:"error"`
	QuestionID int64  `json:"question_id"`
}

func QuestionFrame(q *models.Question, sessionID int64) Frame {
	return Frame{Type: FrameQuestion, Data: QuestionData{
		ID:         q.ID,
		Question:   q.Content,
		CreateTime: q.CreatedAt,
		SessionID:  sessionID,
	}}
}

func ChunkFrame(chunk string) Frame {
	return Frame{Type: FrameChunk, Data: ChunkData{Chunk: chunk}}
}

func CompleteFrame(questionID int64, fullAnswer string, sessionID int64) Frame {
	return Frame{Type: FrameComplete, Data: CompleteData{
		QuestionID: questionID,
		FullAnswer: fullAnswer,
		SessionID:  sessionID,
	}}
}

func ErrorFrame(message string, questionID int64) Frame {
	return Frame{Type: FrameError, Data: ErrorData{Error: message, QuestionID: questionID}}
}

// Terminal reports whether f ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameComplete || f.Type == FrameError
}

func (f Frame) questionID() int64 {
	switch d := f.Data.(type) {
	case QuestionData:
		return d.ID
	case CompleteData:
		return d.QuestionID
	case ErrorData:
		return d.QuestionID
	}
	return 0
}
