package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"servicebot/internal/logging"
	"servicebot/internal/models"
	"servicebot/internal/security"
	"servicebot/internal/service/ai"
	"servicebot/internal/service/assistant"
	"servicebot/internal/worker"
)

// Store is the persistence the conversation flow depends on.
type Store interface {
	ExchangeSource
	CreateSession(ctx context.Context, userID int64, title string) (*models.Session, error)
	GetActiveSession(ctx context.Context, userID, sessionID int64) (*models.Session, error)
	ListSessions(ctx context.Context, userID int64) ([]models.SessionSummary, error)
	SessionHistory(ctx context.Context, userID, sessionID int64) ([]models.Exchange, error)
	CloseSession(ctx context.Context, userID, sessionID int64) error
	DeleteSession(ctx context.Context, userID, sessionID int64) (assistant.DeleteResult, error)
	CreateQuestion(ctx context.Context, userID, sessionID int64, text string) (*models.Question, error)
	SaveAnswer(ctx context.Context, questionID int64, text string) (*models.Answer, error)
	UserHistory(ctx context.Context, userID int64) ([]models.Exchange, error)
	ClearUserHistory(ctx context.Context, userID int64) (assistant.ClearResult, error)
	Ping(ctx context.Context) error
}

// Answerer produces answers from the upstream model.
type Answerer interface {
	Answer(ctx context.Context, prompt string) ai.Reply
	Stream(ctx context.Context, prompt string, onChunk func(string) error) (string, error)
}

// Runner executes upstream calls; the worker dispatcher is the production one.
type Runner interface {
	Do(ctx context.Context, userID int64, fn func(context.Context)) error
}

type inlineRunner struct{}

func (inlineRunner) Do(ctx context.Context, _ int64, fn func(context.Context)) error {
	fn(ctx)
	return nil
}

// StreamFailureMessage is sent in the error frame when the upstream stream fails.
const StreamFailureMessage = "AI service is temporarily unavailable, please try again later"

const saveFailureMessage = "failed to save answer"

// Service runs the question flow and the session and history operations.
type Service struct {
	store    Store
	window   *WindowBuilder
	answerer Answerer
	runner   Runner
	events   logging.EventRecorder
	log      *zap.Logger
}

type Option func(*Service)

// WithRunner routes upstream calls through r.
func WithRunner(r Runner) Option {
	return func(s *Service) {
		if r != nil {
			s.runner = r
		}
	}
}

func WithEvents(events logging.EventRecorder) Option {
	return func(s *Service) {
		if events != nil {
			s.events = events
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func NewService(store Store, answerer Answerer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		answerer: answerer,
		runner:   inlineRunner{},
		events:   logging.Nop{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("conversation")
	s.window = NewWindowBuilder(store, s.log)
	return s
}

// AskRequest is one submitted question. A nil or zero SessionID starts a new
// session.
type AskRequest struct {
	UserID    int64  `json:"user_id" validate:"gt=0,lte=999999999"`
	Question  string `json:"question" validate:"notblank,max=1000,safe_markup"`
	SessionID *int64 `json:"session_id" validate:"omitempty,gte=0"`
}

type sessionRequest struct {
	UserID int64  `json:"user_id" validate:"gt=0,lte=999999999"`
	Title  string `json:"title" validate:"notblank,max=200,safe_markup"`
}

type sessionRef struct {
	UserID    int64 `json:"user_id" validate:"gt=0,lte=999999999"`
	SessionID int64 `json:"session_id" validate:"gt=0"`
}

// Turn is a persisted question with the prompt prepared for it.
type Turn struct {
	UserID         int64
	Session        *models.Session
	SessionCreated bool
	Question       *models.Question
	Window         Window
	Prompt         string
}

// AskResult is the blocking-mode response.
type AskResult struct {
	ID         int64                 `json:"id"`
	Question   string                `json:"question"`
	Answer     string                `json:"answer"`
	CreateTime time.Time             `json:"create_time"`
	Status     models.QuestionStatus `json:"status"`
	SessionID  int64                 `json:"session_id"`
}

// Prepare validates the request, resolves or creates the session, stores the
// question and composes the prompt.
func (s *Service) Prepare(ctx context.Context, req AskRequest) (*Turn, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	var (
		session *models.Session
		created bool
		err     error
	)
	if req.SessionID != nil && *req.SessionID != 0 {
		session, err = s.store.GetActiveSession(ctx, req.UserID, *req.SessionID)
		if err != nil {
			return nil, err
		}
	} else {
		session, err = s.store.CreateSession(ctx, req.UserID, models.TitleFromQuestion(req.Question))
		if err != nil {
			return nil, err
		}
		created = true
		s.log.Info("session created", zap.Int64("user_id", req.UserID), zap.Int64("session_id", session.ID))
	}

	question, err := s.store.CreateQuestion(ctx, req.UserID, session.ID, req.Question)
	if err != nil {
		return nil, err
	}

	w := s.window.Build(ctx, req.UserID, session.ID)
	s.log.Debug("prompt composed",
		zap.Int64("question_id", question.ID),
		zap.Int("context_rounds", w.Rounds),
		zap.Int("context_chars", w.Chars),
	)
	return &Turn{
		UserID:         req.UserID,
		Session:        session,
		SessionCreated: created,
		Question:       question,
		Window:         w,
		Prompt:         ComposePrompt(w, req.Question),
	}, nil
}

// Ask answers a question in blocking mode. Upstream failures become a fallback
// answer. Once the question is stored the upstream call and the save run
// detached from ctx, so a caller that goes away still leaves a real answer.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*AskResult, error) {
	turn, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	var reply ai.Reply
	err = s.runner.Do(ctx, turn.UserID, func(jobCtx context.Context) {
		reply = s.answerer.Answer(jobCtx, turn.Prompt)
	})
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			s.events.Record(ctx, logging.EventDispatcherBusy,
				fmt.Sprintf("no capacity for question %d", turn.Question.ID))
		}
		reply = ai.Reply{Text: ai.GenericFallback, Fallback: true}
	}

	answer, err := s.store.SaveAnswer(ctx, turn.Question.ID, reply.Text)
	if err != nil {
		return nil, err
	}
	s.log.Info("question answered",
		zap.Int64("question_id", turn.Question.ID),
		zap.Int("attempts", reply.Attempts),
		zap.Bool("fallback", reply.Fallback),
	)
	return &AskResult{
		ID:         turn.Question.ID,
		Question:   turn.Question.Content,
		Answer:     answer.Content,
		CreateTime: turn.Question.CreatedAt,
		Status:     models.QuestionAnswered,
		SessionID:  turn.Session.ID,
	}, nil
}

// StreamAnswer emits the question frame, relays the upstream stream as chunk
// frames and ends with one complete or error frame. If the client goes away
// or a frame cannot be written, the upstream call is abandoned, no further
// frames are written and nothing is stored.
func (s *Service) StreamAnswer(ctx context.Context, turn *Turn, emit func(Frame) error) error {
	q := turn.Question
	if err := emit(QuestionFrame(q, turn.Session.ID)); err != nil {
		s.abort(ctx, q.ID, err)
		return err
	}

	var (
		full      string
		streamErr error
		writeErr  error
	)
	runErr := s.runner.Do(ctx, turn.UserID, func(jobCtx context.Context) {
		full, streamErr = s.answerer.Stream(jobCtx, turn.Prompt, func(chunk string) error {
			if err := emit(ChunkFrame(chunk)); err != nil {
				writeErr = err
				return err
			}
			return nil
		})
	})

	switch {
	case errors.Is(runErr, worker.ErrDispatcherBusy):
		s.events.Record(ctx, logging.EventDispatcherBusy,
			fmt.Sprintf("no capacity for streamed question %d", q.ID))
		return s.emitTerminal(ctx, emit, ErrorFrame(StreamFailureMessage, q.ID), runErr)
	case runErr != nil:
		s.abort(ctx, q.ID, runErr)
		return runErr
	case writeErr != nil:
		s.abort(ctx, q.ID, writeErr)
		return writeErr
	case ctx.Err() != nil:
		s.abort(ctx, q.ID, ctx.Err())
		return ctx.Err()
	case streamErr != nil:
		s.log.Error("stream failed", zap.Int64("question_id", q.ID), zap.Error(streamErr))
		return s.emitTerminal(ctx, emit, ErrorFrame(StreamFailureMessage, q.ID), streamErr)
	}

	if _, err := s.store.SaveAnswer(ctx, q.ID, full); err != nil {
		s.events.Record(ctx, logging.EventDatabaseError,
			fmt.Sprintf("save streamed answer for question %d: %v", q.ID, err))
		return s.emitTerminal(ctx, emit, ErrorFrame(saveFailureMessage, q.ID), err)
	}
	s.log.Info("stream completed", zap.Int64("question_id", q.ID), zap.Int("answer_chars", len([]rune(full))))
	return s.emitTerminal(ctx, emit, CompleteFrame(q.ID, full, turn.Session.ID), nil)
}

func (s *Service) emitTerminal(ctx context.Context, emit func(Frame) error, f Frame, cause error) error {
	if err := emit(f); err != nil {
		s.abort(ctx, f.questionID(), err)
		return err
	}
	return cause
}

func (s *Service) abort(ctx context.Context, questionID int64, cause error) {
	s.events.Record(ctx, logging.EventStreamAborted,
		fmt.Sprintf("stream for question %d abandoned: %v", questionID, cause))
}

// validate runs the request's field rules and records markup rejections.
func (s *Service) validate(ctx context.Context, req any) error {
	err := security.Validate(req)
	if errors.Is(err, security.ErrUnsafeInput) {
		s.events.Record(ctx, logging.EventUnsafeInput, "input rejected by markup filter")
	}
	return err
}

// CreateSession opens an empty session with an explicit title.
func (s *Service) CreateSession(ctx context.Context, userID int64, title string) (*models.Session, error) {
	if err := s.validate(ctx, sessionRequest{UserID: userID, Title: title}); err != nil {
		return nil, err
	}
	return s.store.CreateSession(ctx, userID, title)
}

func (s *Service) ListSessions(ctx context.Context, userID int64) ([]models.SessionSummary, error) {
	if err := security.ValidateUserID(userID); err != nil {
		return nil, err
	}
	return s.store.ListSessions(ctx, userID)
}

func (s *Service) SessionHistory(ctx context.Context, userID, sessionID int64) ([]models.Exchange, error) {
	if err := security.Validate(sessionRef{UserID: userID, SessionID: sessionID}); err != nil {
		return nil, err
	}
	return s.store.SessionHistory(ctx, userID, sessionID)
}

func (s *Service) CloseSession(ctx context.Context, userID, sessionID int64) error {
	if err := security.Validate(sessionRef{UserID: userID, SessionID: sessionID}); err != nil {
		return err
	}
	if err := s.store.CloseSession(ctx, userID, sessionID); err != nil {
		return err
	}
	s.log.Info("session closed", zap.Int64("user_id", userID), zap.Int64("session_id", sessionID))
	return nil
}

func (s *Service) DeleteSession(ctx context.Context, userID, sessionID int64) (assistant.DeleteResult, error) {
	if err := security.Validate(sessionRef{UserID: userID, SessionID: sessionID}); err != nil {
		return assistant.DeleteResult{}, err
	}
	result, err := s.store.DeleteSession(ctx, userID, sessionID)
	if err != nil {
		return result, err
	}
	s.log.Info("session deleted",
		zap.Int64("user_id", userID),
		zap.Int64("session_id", sessionID),
		zap.Int64("questions", result.Questions),
		zap.Int64("answers", result.Answers),
	)
	return result, nil
}

func (s *Service) UserHistory(ctx context.Context, userID int64) ([]models.Exchange, error) {
	if err := security.ValidateUserID(userID); err != nil {
		return nil, err
	}
	return s.store.UserHistory(ctx, userID)
}

// ClearHistory removes every question and answer of the user.
func (s *Service) ClearHistory(ctx context.Context, userID int64) (assistant.ClearResult, error) {
	if err := security.ValidateUserID(userID); err != nil {
		return assistant.ClearResult{}, err
	}
	result, err := s.store.ClearUserHistory(ctx, userID)
	if err != nil {
		return result, err
	}
	s.events.Record(ctx, logging.EventHistoryCleared,
		fmt.Sprintf("user %d cleared %d questions and %d answers", userID, result.Questions, result.Answers),
		zap.Int64("user_id", userID))
	return result, nil
}

// Healthy reports whether the store is reachable.
func (s *Service) Healthy(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil
}
