package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"servicebot/internal/apperr"
	"servicebot/internal/logging"
	"servicebot/internal/models"
	"servicebot/internal/security"
	"servicebot/internal/service/assistant"
	"servicebot/internal/service/conversation"
)

// Conversation is the application surface the handlers drive.
type Conversation interface {
	Ask(ctx context.Context, req conversation.AskRequest) (*conversation.AskResult, error)
	Prepare(ctx context.Context, req conversation.AskRequest) (*conversation.Turn, error)
	StreamAnswer(ctx context.Context, turn *conversation.Turn, emit func(conversation.Frame) error) error
	CreateSession(ctx context.Context, userID int64, title string) (*models.Session, error)
	ListSessions(ctx context.Context, userID int64) ([]models.SessionSummary, error)
	SessionHistory(ctx context.Context, userID, sessionID int64) ([]models.Exchange, error)
	CloseSession(ctx context.Context, userID, sessionID int64) error
	DeleteSession(ctx context.Context, userID, sessionID int64) (assistant.DeleteResult, error)
	UserHistory(ctx context.Context, userID int64) ([]models.Exchange, error)
	ClearHistory(ctx context.Context, userID int64) (assistant.ClearResult, error)
	Healthy(ctx context.Context) bool
}

// Handler wires HTTP routes to the conversation service.
type Handler struct {
	conversation Conversation
	limiter      *security.RateLimiter
	events       logging.EventRecorder
	log          *zap.Logger
}

// NewHandler constructs a Handler instance. A nil limiter disables rate limiting.
func NewHandler(conv Conversation, limiter *security.RateLimiter, events logging.EventRecorder, log *zap.Logger) *Handler {
	if events == nil {
		events = logging.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		conversation: conv,
		limiter:      limiter,
		events:       events,
		log:          log.Named("api"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router. The health probe is
// not rate limited.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)

	limited := api.Group("")
	if h.limiter != nil {
		limited.Use(h.limiter.Middleware())
	}
	limited.POST("/questions", h.askQuestion)
	limited.GET("/questions/stream", h.streamQuestion)
	limited.GET("/history/:id", h.getHistory)
	limited.DELETE("/history/:id", h.clearHistory)
	limited.POST("/sessions", h.createSession)
	limited.GET("/sessions/:id", h.listSessions)
	limited.GET("/sessions/:id/history", h.getSessionHistory)
	limited.PUT("/sessions/:id/close", h.closeSession)
	limited.DELETE("/sessions/:id", h.deleteSession)
}

func (h *Handler) health(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if !h.conversation.Healthy(c.Request.Context()) {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// respondError maps err to its status and the shared error envelope. Storage
// causes are logged and recorded but never sent to the client.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	if apperr.Is(err, apperr.KindStorage) {
		h.events.Record(c.Request.Context(), logging.EventDatabaseError, err.Error())
	}
	c.JSON(status, security.Envelope(apperr.Code(err), apperr.PublicMessage(err)))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, security.Envelope("VALIDATION_ERROR", message))
}

func parseID(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return id, nil
}

// questionRecord is one stored question with its answer, if any.
type questionRecord struct {
	ID         int64                 `json:"id"`
	Question   string                `json:"question"`
	Answer     *string               `json:"answer"`
	CreateTime time.Time             `json:"create_time"`
	Status     models.QuestionStatus `json:"status"`
	SessionID  *int64                `json:"session_id"`
}

func toRecords(list []models.Exchange) []questionRecord {
	out := make([]questionRecord, 0, len(list))
	for _, ex := range list {
		rec := questionRecord{
			ID:         ex.Question.ID,
			Question:   ex.Question.Content,
			CreateTime: ex.Question.CreatedAt,
			Status:     ex.Question.Status,
			SessionID:  ex.Question.SessionID,
		}
		if ex.Answer != nil {
			answer := ex.Answer.Content
			rec.Answer = &answer
		}
		out = append(out, rec)
	}
	return out
}

type sessionRecord struct {
	ID            int64                `json:"id"`
	UserID        int64                `json:"user_id"`
	Title         string               `json:"title"`
	CreateTime    time.Time            `json:"create_time"`
	UpdateTime    time.Time            `json:"update_time"`
	Status        models.SessionStatus `json:"status"`
	QuestionCount int64                `json:"question_count"`
}

func toSessionRecord(s models.Session, questionCount int64) sessionRecord {
	return sessionRecord{
		ID:            s.ID,
		UserID:        s.UserID,
		Title:         security.SanitizeOutput(s.Title),
		CreateTime:    s.CreatedAt,
		UpdateTime:    s.UpdatedAt,
		Status:        s.Status,
		QuestionCount: questionCount,
	}
}

func (h *Handler) askQuestion(c *gin.Context) {
	var req conversation.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, security.Envelope("REQUEST_TOO_LARGE", "request body too large"))
			return
		}
		badRequest(c, "invalid request body")
		return
	}
	h.log.Info("question received", zap.Int64("user_id", req.UserID), zap.Int("length", len([]rune(req.Question))))

	res, err := h.conversation.Ask(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) streamQuestion(c *gin.Context) {
	flusher, ok := streamFlusher(c.Writer)
	if !ok {
		c.JSON(http.StatusInternalServerError, security.Envelope("INTERNAL_ERROR", "streaming not supported"))
		return
	}

	userID, err := parseID(c.Query("user_id"), "user_id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	req := conversation.AskRequest{UserID: userID, Question: c.Query("question")}
	if raw := c.Query("session_id"); raw != "" {
		sessionID, err := parseID(raw, "session_id")
		if err != nil {
			h.respondError(c, err)
			return
		}
		req.SessionID = &sessionID
	}

	turn, err := h.conversation.Prepare(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	// SSE Request construction
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendFrame := func(f conversation.Frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := h.conversation.StreamAnswer(c.Request.Context(), turn, sendFrame); err != nil {
		h.log.Warn("stream ended with error", zap.Int64("question_id", turn.Question.ID), zap.Error(err))
	}
}

// streamFlusher returns w as a Flusher when the connection underneath can
// actually flush. gin's writer always has a Flush method, so the check looks
// through Unwrap to the innermost writer.
func streamFlusher(w http.ResponseWriter) (http.Flusher, bool) {
	inner := w
	for {
		u, ok := inner.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			break
		}
		inner = u.Unwrap()
	}
	if _, ok := inner.(http.Flusher); !ok {
		return nil, false
	}
	flusher, ok := w.(http.Flusher)
	return flusher, ok
}

func (h *Handler) getHistory(c *gin.Context) {
	userID, err := parseID(c.Param("id"), "user_id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	list, err := h.conversation.UserHistory(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecords(list))
}

func (h *Handler) clearHistory(c *gin.Context) {
	userID, err := parseID(c.Param("id"), "user_id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.conversation.ClearHistory(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	message := "history cleared"
	if result.Questions == 0 {
		message = "no history to clear"
	}
	c.JSON(http.StatusOK, gin.H{
		"message":           message,
		"deleted_count":     result.Questions,
		"questions_deleted": result.Questions,
		"answers_deleted":   result.Answers,
	})
}

type createSessionRequest struct {
	UserID int64  `json:"user_id"`
	Title  string `json:"title"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	session, err := h.conversation.CreateSession(c.Request.Context(), req.UserID, req.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionRecord(*session, 0))
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, err := parseID(c.Param("id"), "user_id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	sessions, err := h.conversation.ListSessions(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]sessionRecord, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionRecord(s.Session, s.QuestionCount))
	}
	c.JSON(http.StatusOK, out)
}

// sessionAndUser reads the session id from the path and user_id from the query.
func sessionAndUser(c *gin.Context) (int64, int64, error) {
	sessionID, err := parseID(c.Param("id"), "session_id")
	if err != nil {
		return 0, 0, err
	}
	userID, err := parseID(c.Query("user_id"), "user_id")
	if err != nil {
		return 0, 0, err
	}
	return sessionID, userID, nil
}

func (h *Handler) getSessionHistory(c *gin.Context) {
	sessionID, userID, err := sessionAndUser(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	list, err := h.conversation.SessionHistory(c.Request.Context(), userID, sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecords(list))
}

func (h *Handler) closeSession(c *gin.Context) {
	sessionID, userID, err := sessionAndUser(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.conversation.CloseSession(c.Request.Context(), userID, sessionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session closed", "session_id": sessionID})
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID, userID, err := sessionAndUser(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.conversation.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session deleted", "session_id": sessionID})
}
