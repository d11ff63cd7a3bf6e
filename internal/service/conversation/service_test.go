package conversation

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"servicebot/internal/apperr"
	"servicebot/internal/config"
	"servicebot/internal/logging"
	"servicebot/internal/models"
	"servicebot/internal/service/ai"
	"servicebot/internal/service/assistant"
	"servicebot/internal/storage"
	"servicebot/internal/worker"
)

type stubAnswerer struct {
	mu        sync.Mutex
	reply     ai.Reply
	chunks    []string
	streamErr error
	prompts   []string
}

func (s *stubAnswerer) Answer(_ context.Context, prompt string) ai.Reply {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.reply
}

func (s *stubAnswerer) Stream(_ context.Context, prompt string, onChunk func(string) error) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	var full strings.Builder
	for _, c := range s.chunks {
		full.WriteString(c)
		if err := onChunk(c); err != nil {
			return full.String(), err
		}
	}
	return full.String(), s.streamErr
}

type failingModel struct{ calls int }

func (f *failingModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	f.calls++
	return nil, errors.New("upstream unavailable")
}

func (f *failingModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("upstream unavailable")
}

type busyRunner struct{}

func (busyRunner) Do(context.Context, int64, func(context.Context)) error {
	return worker.ErrDispatcherBusy
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) Record(_ context.Context, event, _ string, _ ...zap.Field) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventLog) has(event string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev == event {
			return true
		}
	}
	return false
}

func int64Ptr(v int64) *int64 { return &v }

func TestAskCreatesSessionAndStoresAnswer(t *testing.T) {
	store, db := newStore(t)
	answerer := &stubAnswerer{reply: ai.Reply{Text: "Try the reset link.", Attempts: 1}}
	svc := NewService(store, answerer)
	ctx := context.Background()

	res, err := svc.Ask(ctx, AskRequest{UserID: 1, Question: "How do I reset my password?"})
	require.NoError(t, err)
	assert.Equal(t, "Try the reset link.", res.Answer)
	assert.Equal(t, models.QuestionAnswered, res.Status)
	assert.Positive(t, res.SessionID)

	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM sessions WHERE user_id = 1`))
	sessions, err := svc.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "How do I reset my password?", sessions[0].Title)
	assert.Equal(t, int64(1), sessions[0].QuestionCount)

	// A follow-up in the same session carries the first exchange as context.
	_, err = svc.Ask(ctx, AskRequest{UserID: 1, Question: "It expired", SessionID: int64Ptr(res.SessionID)})
	require.NoError(t, err)
	require.Len(t, answerer.prompts, 2)
	assert.NotContains(t, answerer.prompts[0], "Conversation history")
	assert.Contains(t, answerer.prompts[1], "Conversation history (last 1 rounds)")
	assert.Contains(t, answerer.prompts[1], "user: How do I reset my password?")
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM sessions WHERE user_id = 1`))
}

func TestAskWithoutSessionAlwaysCreatesOne(t *testing.T) {
	store, db := newStore(t)
	svc := NewService(store, &stubAnswerer{reply: ai.Reply{Text: "ok"}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Ask(ctx, AskRequest{UserID: 2, Question: "hello", SessionID: int64Ptr(0)})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, countRows(t, db, `SELECT COUNT(*) FROM sessions WHERE user_id = 2`))
}

func TestAskTitleIsTruncated(t *testing.T) {
	store, _ := newStore(t)
	svc := NewService(store, &stubAnswerer{reply: ai.Reply{Text: "ok"}})
	long := strings.Repeat("a", 60)

	res, err := svc.Ask(context.Background(), AskRequest{UserID: 3, Question: long})
	require.NoError(t, err)
	sessions, err := svc.ListSessions(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, res.SessionID, sessions[0].ID)
	assert.Equal(t, strings.Repeat("a", 50)+"...", sessions[0].Title)
}

func TestAskPersistsFallbackAfterUpstreamFailure(t *testing.T) {
	store, db := newStore(t)
	fm := &failingModel{}
	client := ai.NewClient(fm, ai.RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}, nil, nil)
	svc := NewService(store, client)

	res, err := svc.Ask(context.Background(), AskRequest{UserID: 4, Question: "anyone there?"})
	require.NoError(t, err)
	assert.Equal(t, 3, fm.calls)
	assert.Equal(t, ai.GenericFallback, res.Answer)

	ex := findExchange(t, store, 4, res.ID)
	assert.Equal(t, models.QuestionAnswered, ex.Question.Status)
	require.True(t, ex.Answered())
	assert.Equal(t, ai.GenericFallback, ex.Answer.Content)
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM answers`))
}

// slowModel answers only after release is closed, or fails with its
// context's error if that ends first.
type slowModel struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *slowModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.once.Do(func() { close(m.started) })
	select {
	case <-m.release:
		return schema.AssistantMessage("Use the reset link on the login page.", nil), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *slowModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not streaming")
}

func TestAskStoresRealAnswerAfterCallerLeaves(t *testing.T) {
	store, _ := newStore(t)
	events := &eventLog{}
	slow := &slowModel{started: make(chan struct{}), release: make(chan struct{})}
	client := ai.NewClient(slow, ai.RetryPolicy{
		MaxAttempts:    3,
		AttemptTimeout: 5 * time.Second,
		Sleep:          func(context.Context, time.Duration) error { return nil },
	}, events, nil)
	dispatcher := worker.NewDispatcher(worker.Config{Workers: 1, QueueSize: 1}, nil)
	defer dispatcher.Close()
	svc := NewService(store, client, WithRunner(dispatcher), WithEvents(events))

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *AskResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := svc.Ask(ctx, AskRequest{UserID: 21, Question: "first"})
		done <- outcome{res, err}
	}()

	<-slow.started
	cancel()
	close(slow.release)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ask did not return")
	}
	require.NoError(t, out.err)
	assert.Equal(t, "Use the reset link on the login page.", out.res.Answer)
	assert.False(t, events.has(logging.EventAPIError))

	ex := findExchange(t, store, 21, out.res.ID)
	require.True(t, ex.Answered())
	assert.Equal(t, "Use the reset link on the login page.", ex.Answer.Content)

	w := NewWindowBuilder(store, nil).Build(context.Background(), 21, out.res.SessionID)
	assert.Equal(t, []string{"user: first", "assistant: Use the reset link on the login page."}, w.Lines)
}

func TestAskBusyDispatcherFallsBack(t *testing.T) {
	store, _ := newStore(t)
	events := &eventLog{}
	answerer := &stubAnswerer{reply: ai.Reply{Text: "never used"}}
	svc := NewService(store, answerer, WithRunner(busyRunner{}), WithEvents(events))

	res, err := svc.Ask(context.Background(), AskRequest{UserID: 5, Question: "hi"})
	require.NoError(t, err)
	assert.Equal(t, ai.GenericFallback, res.Answer)
	assert.Empty(t, answerer.prompts)
	assert.True(t, events.has(logging.EventDispatcherBusy))
}

func TestAskRejectsForeignAndClosedSessions(t *testing.T) {
	store, db := newStore(t)
	svc := NewService(store, &stubAnswerer{reply: ai.Reply{Text: "ok"}})
	ctx := context.Background()

	owned, err := svc.CreateSession(ctx, 10, "mine")
	require.NoError(t, err)

	_, err = svc.Ask(ctx, AskRequest{UserID: 11, Question: "hi", SessionID: int64Ptr(owned.ID)})
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "foreign session: %v", err)

	require.NoError(t, svc.CloseSession(ctx, 10, owned.ID))
	_, err = svc.Ask(ctx, AskRequest{UserID: 10, Question: "hi", SessionID: int64Ptr(owned.ID)})
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "closed session: %v", err)

	_, err = svc.Ask(ctx, AskRequest{UserID: 10, Question: "hi", SessionID: int64Ptr(9999)})
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "missing session: %v", err)

	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM questions`))
}

func TestAskValidation(t *testing.T) {
	store, db := newStore(t)
	events := &eventLog{}
	svc := NewService(store, &stubAnswerer{reply: ai.Reply{Text: "ok"}}, WithEvents(events))
	ctx := context.Background()

	cases := []AskRequest{
		{UserID: -5, Question: "hi"},
		{UserID: 0, Question: "hi"},
		{UserID: 1_000_000_000, Question: "hi"},
		{UserID: 1, Question: "   "},
		{UserID: 1, Question: strings.Repeat("a", 1001)},
		{UserID: 1, Question: "<script>alert(1)</script>"},
		{UserID: 1, Question: "hi", SessionID: int64Ptr(-3)},
	}
	for _, req := range cases {
		_, err := svc.Ask(ctx, req)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "request %+v: %v", req, err)
	}
	assert.True(t, events.has(logging.EventUnsafeInput))
	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM questions`))

	_, err := svc.Ask(ctx, AskRequest{UserID: 1, Question: strings.Repeat("a", 1000)})
	assert.NoError(t, err)
}

func TestStreamAnswerSuccess(t *testing.T) {
	store, _ := newStore(t)
	svc := NewService(store, &stubAnswerer{chunks: []string{"Hel", "lo"}})
	ctx := context.Background()

	turn, err := svc.Prepare(ctx, AskRequest{UserID: 6, Question: "greet me"})
	require.NoError(t, err)

	var frames []Frame
	err = svc.StreamAnswer(ctx, turn, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, frames, 4)
	assert.Equal(t, FrameQuestion, frames[0].Type)
	assert.Equal(t, ChunkData{Chunk: "Hel"}, frames[1].Data)
	assert.Equal(t, ChunkData{Chunk: "lo"}, frames[2].Data)
	assert.Equal(t, CompleteData{QuestionID: turn.Question.ID, FullAnswer: "Hello", SessionID: turn.Session.ID}, frames[3].Data)

	ex := findExchange(t, store, turn.UserID, turn.Question.ID)
	assert.Equal(t, models.QuestionAnswered, ex.Question.Status)
	assert.Equal(t, "Hello", ex.Answer.Content)
}

func TestStreamAnswerMidStreamFailurePersistsNothing(t *testing.T) {
	store, db := newStore(t)
	svc := NewService(store, &stubAnswerer{chunks: []string{"partial"}, streamErr: errors.New("reset by peer")})
	ctx := context.Background()

	turn, err := svc.Prepare(ctx, AskRequest{UserID: 7, Question: "tell me"})
	require.NoError(t, err)

	var frames []Frame
	err = svc.StreamAnswer(ctx, turn, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.Error(t, err)

	require.Len(t, frames, 3)
	assert.Equal(t, FrameChunk, frames[1].Type)
	assert.Equal(t, ErrorData{Error: StreamFailureMessage, QuestionID: turn.Question.ID}, frames[2].Data)

	ex := findExchange(t, store, turn.UserID, turn.Question.ID)
	assert.Equal(t, models.QuestionUnanswered, ex.Question.Status)
	assert.False(t, ex.Answered())
	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM answers`))
}

func TestStreamAnswerAbandonsOnWriteFailure(t *testing.T) {
	store, db := newStore(t)
	events := &eventLog{}
	svc := NewService(store, &stubAnswerer{chunks: []string{"a", "b", "c"}}, WithEvents(events))
	ctx := context.Background()

	turn, err := svc.Prepare(ctx, AskRequest{UserID: 8, Question: "long answer please"})
	require.NoError(t, err)

	gone := errors.New("broken pipe")
	var frames []Frame
	err = svc.StreamAnswer(ctx, turn, func(f Frame) error {
		if f.Type == FrameChunk {
			return gone
		}
		frames = append(frames, f)
		return nil
	})
	assert.ErrorIs(t, err, gone)
	require.Len(t, frames, 1, "no terminal frame after a failed write")
	assert.True(t, events.has(logging.EventStreamAborted))
	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM answers`))
}

func TestStreamAnswerAbandonsOnCancel(t *testing.T) {
	store, db := newStore(t)
	events := &eventLog{}
	svc := NewService(store, &stubAnswerer{chunks: []string{"a", "b"}}, WithEvents(events))

	turn, err := svc.Prepare(context.Background(), AskRequest{UserID: 9, Question: "q"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var frames []Frame
	err = svc.StreamAnswer(ctx, turn, func(f Frame) error {
		frames = append(frames, f)
		if f.Type == FrameChunk {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	for _, f := range frames {
		assert.False(t, f.Terminal(), "unexpected terminal frame %s", f.Type)
	}
	assert.True(t, events.has(logging.EventStreamAborted))
	assert.Equal(t, 0, countRows(t, db, `SELECT COUNT(*) FROM answers`))
}

func TestStreamAnswerBusyDispatcher(t *testing.T) {
	store, _ := newStore(t)
	events := &eventLog{}
	svc := NewService(store, &stubAnswerer{chunks: []string{"x"}}, WithRunner(busyRunner{}), WithEvents(events))
	ctx := context.Background()

	turn, err := svc.Prepare(ctx, AskRequest{UserID: 12, Question: "q"})
	require.NoError(t, err)

	var frames []Frame
	err = svc.StreamAnswer(ctx, turn, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	assert.ErrorIs(t, err, worker.ErrDispatcherBusy)
	require.Len(t, frames, 2)
	assert.Equal(t, FrameError, frames[1].Type)
	assert.True(t, events.has(logging.EventDispatcherBusy))
}

// Requests against the same session are not serialized: a question prepared
// while an earlier one is still unanswered does not see it in its context.
// This weak consistency is accepted.
func TestConcurrentQuestionsSeeOnlyAnsweredContext(t *testing.T) {
	store, _ := newStore(t)
	svc := NewService(store, &stubAnswerer{reply: ai.Reply{Text: "ok"}})
	ctx := context.Background()

	first, err := svc.Prepare(ctx, AskRequest{UserID: 13, Question: "first"})
	require.NoError(t, err)
	second, err := svc.Prepare(ctx, AskRequest{UserID: 13, Question: "second", SessionID: int64Ptr(first.Session.ID)})
	require.NoError(t, err)

	assert.Equal(t, 0, first.Window.Rounds)
	assert.Equal(t, 0, second.Window.Rounds, "two consecutive unanswered questions give an empty context")
	assert.Empty(t, second.Window.Lines)
}

func TestClearHistoryRecordsEvent(t *testing.T) {
	store, _ := newStore(t)
	events := &eventLog{}
	svc := NewService(store, &stubAnswerer{reply: ai.Reply{Text: "ok"}}, WithEvents(events))
	ctx := context.Background()

	_, err := svc.Ask(ctx, AskRequest{UserID: 14, Question: "one"})
	require.NoError(t, err)
	_, err = svc.Ask(ctx, AskRequest{UserID: 14, Question: "two"})
	require.NoError(t, err)

	result, err := svc.ClearHistory(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, assistant.ClearResult{Questions: 2, Answers: 2}, result)
	assert.True(t, events.has(logging.EventHistoryCleared))

	history, err := svc.UserHistory(ctx, 14)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSessionOperationsValidateIDs(t *testing.T) {
	store, _ := newStore(t)
	svc := NewService(store, &stubAnswerer{})
	ctx := context.Background()

	_, err := svc.SessionHistory(ctx, 1, 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.True(t, apperr.Is(svc.CloseSession(ctx, -1, 1), apperr.KindValidation))
	_, err = svc.DeleteSession(ctx, 1, -2)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.CreateSession(ctx, 1, strings.Repeat("t", 201))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.True(t, svc.Healthy(ctx))
}

func newStore(t *testing.T) (*assistant.Service, *sql.DB) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return assistant.NewService(db), db
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func findExchange(t *testing.T, store *assistant.Service, userID, questionID int64) models.Exchange {
	t.Helper()
	history, err := store.UserHistory(context.Background(), userID)
	require.NoError(t, err)
	for _, ex := range history {
		if ex.Question.ID == questionID {
			return ex
		}
	}
	t.Fatalf("question %d not found for user %d", questionID, userID)
	return models.Exchange{}
}
