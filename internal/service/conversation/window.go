package conversation

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"

	"servicebot/internal/models"
)

const (
	MaxContextPairs = 100
	MaxContextChars = 20000
)

// ExchangeSource returns a session's most recent exchanges, newest first.
type ExchangeSource interface {
	RecentExchanges(ctx context.Context, userID, sessionID int64, limit int) ([]models.Exchange, error)
}

// Window is the history sent along with a new question. Lines alternate
// between "user: ..." and "assistant: ...".
type Window struct {
	Lines  []string
	Rounds int
	Chars  int
}

// WindowBuilder assembles bounded prompt context from stored exchanges.
type WindowBuilder struct {
	source   ExchangeSource
	maxPairs int
	maxChars int
	log      *zap.Logger
}

func NewWindowBuilder(source ExchangeSource, log *zap.Logger) *WindowBuilder {
	if log == nil {
		log = zap.NewNop()
	}
	return &WindowBuilder{
		source:   source,
		maxPairs: MaxContextPairs,
		maxChars: MaxContextChars,
		log:      log,
	}
}

// Build returns the answered exchanges of the session in chronological order,
// stopping before the first pair that would push the total past the character
// budget. A failed lookup yields an empty window.
func (b *WindowBuilder) Build(ctx context.Context, userID, sessionID int64) Window {
	recent, err := b.source.RecentExchanges(ctx, userID, sessionID, b.maxPairs)
	if err != nil {
		b.log.Warn("load conversation history failed, answering without context",
			zap.Int64("user_id", userID), zap.Int64("session_id", sessionID), zap.Error(err))
		return Window{}
	}

	var w Window
	for i := len(recent) - 1; i >= 0; i-- {
		ex := recent[i]
		if !ex.Answered() {
			continue
		}
		q := "user: " + ex.Question.Content
		a := "assistant: " + ex.Answer.Content
		n := utf8.RuneCountInString(q) + utf8.RuneCountInString(a)
		if w.Chars+n > b.maxChars {
			break
		}
		w.Lines = append(w.Lines, q, a)
		w.Chars += n
	}
	w.Rounds = len(w.Lines) / 2
	return w
}
