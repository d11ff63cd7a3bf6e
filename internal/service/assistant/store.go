package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"servicebot/internal/apperr"
	"servicebot/internal/models"
)

// Service persists sessions, questions and answers.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService builds a new assistant service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Ping reports whether the database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const exchangeSelect = `SELECT q.id, q.user_id, q.session_id, q.question, q.created_at, q.status,
	a.id, a.answer, a.created_at
	FROM questions q LEFT JOIN answers a ON a.question_id = q.id`

func scanExchanges(rows *sql.Rows) ([]models.Exchange, error) {
	var out []models.Exchange
	for rows.Next() {
		var (
			ex         models.Exchange
			sessionID  sql.NullInt64
			answerID   sql.NullInt64
			answerText sql.NullString
			answerAt   sql.NullTime
		)
		q := &ex.Question
		if err := rows.Scan(&q.ID, &q.UserID, &sessionID, &q.Content, &q.CreatedAt, &q.Status,
			&answerID, &answerText, &answerAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		if sessionID.Valid {
			id := sessionID.Int64
			q.SessionID = &id
		}
		if answerID.Valid {
			ex.Answer = &models.Answer{
				ID:         answerID.Int64,
				QuestionID: q.ID,
				Content:    answerText.String,
				CreatedAt:  answerAt.Time,
			}
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return out, nil
}

// CreateQuestion stores an unanswered question in the session and marks the
// session as recently active.
func (s *Service) CreateQuestion(ctx context.Context, userID, sessionID int64, text string) (*models.Question, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("failed to save question", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO questions (user_id, session_id, question, created_at, status) VALUES (?, ?, ?, ?, ?)`,
		userID, sessionID, text, now, models.QuestionUnanswered,
	)
	if err != nil {
		return nil, apperr.Storage("failed to save question", fmt.Errorf("insert question: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Storage("failed to save question", fmt.Errorf("question id: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return nil, apperr.Storage("failed to save question", fmt.Errorf("touch session: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage("failed to save question", fmt.Errorf("commit question: %w", err))
	}
	sid := sessionID
	return &models.Question{
		ID:        id,
		UserID:    userID,
		SessionID: &sid,
		Content:   text,
		CreatedAt: now,
		Status:    models.QuestionUnanswered,
	}, nil
}

// SaveAnswer stores the answer to questionID and flips the question to
// answered in one transaction. A question holds at most one answer.
func (s *Service) SaveAnswer(ctx context.Context, questionID int64, text string) (*models.Answer, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("failed to save answer", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE questions SET status = ? WHERE id = ? AND status = ?`,
		models.QuestionAnswered, questionID, models.QuestionUnanswered,
	)
	if err != nil {
		return nil, apperr.Storage("failed to save answer", fmt.Errorf("mark answered: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Storage("failed to save answer", fmt.Errorf("question rows affected: %w", err))
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM questions WHERE id = ?)`, questionID).Scan(&exists); err != nil {
			return nil, apperr.Storage("failed to save answer", fmt.Errorf("verify question: %w", err))
		}
		if !exists {
			return nil, apperr.NotFound("question not found")
		}
		return nil, apperr.Conflict("question already answered")
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO answers (question_id, answer, created_at) VALUES (?, ?, ?)`,
		questionID, text, now,
	)
	if err != nil {
		return nil, apperr.Storage("failed to save answer", fmt.Errorf("insert answer: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Storage("failed to save answer", fmt.Errorf("answer id: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage("failed to save answer", fmt.Errorf("commit answer: %w", err))
	}
	return &models.Answer{ID: id, QuestionID: questionID, Content: text, CreatedAt: now}, nil
}

// RecentExchanges returns up to limit of the session's most recent exchanges,
// newest first.
func (s *Service) RecentExchanges(ctx context.Context, userID, sessionID int64, limit int) ([]models.Exchange, error) {
	rows, err := s.db.QueryContext(ctx,
		exchangeSelect+` WHERE q.user_id = ? AND q.session_id = ? ORDER BY q.created_at DESC, q.id DESC LIMIT ?`,
		userID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent exchanges: %w", err)
	}
	defer rows.Close()
	return scanExchanges(rows)
}

// UserHistory returns every exchange of the user across sessions, newest first.
func (s *Service) UserHistory(ctx context.Context, userID int64) ([]models.Exchange, error) {
	rows, err := s.db.QueryContext(ctx,
		exchangeSelect+` WHERE q.user_id = ? ORDER BY q.created_at DESC, q.id DESC`,
		userID,
	)
	if err != nil {
		return nil, apperr.Storage("failed to load history", fmt.Errorf("user history: %w", err))
	}
	defer rows.Close()
	list, err := scanExchanges(rows)
	if err != nil {
		return nil, apperr.Storage("failed to load history", err)
	}
	return list, nil
}

// ClearResult counts the rows removed by ClearUserHistory.
type ClearResult struct {
	Questions int64
	Answers   int64
}

// ClearUserHistory deletes all of the user's questions and their answers.
// Sessions are kept.
func (s *Service) ClearUserHistory(ctx context.Context, userID int64) (ClearResult, error) {
	var result ClearResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, apperr.Storage("failed to clear history", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM answers WHERE question_id IN (SELECT id FROM questions WHERE user_id = ?)`, userID)
	if err != nil {
		return result, apperr.Storage("failed to clear history", fmt.Errorf("delete answers: %w", err))
	}
	if result.Answers, err = res.RowsAffected(); err != nil {
		return result, apperr.Storage("failed to clear history", fmt.Errorf("answers affected: %w", err))
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM questions WHERE user_id = ?`, userID)
	if err != nil {
		return result, apperr.Storage("failed to clear history", fmt.Errorf("delete questions: %w", err))
	}
	if result.Questions, err = res.RowsAffected(); err != nil {
		return result, apperr.Storage("failed to clear history", fmt.Errorf("questions affected: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return ClearResult{}, apperr.Storage("failed to clear history", fmt.Errorf("commit clear: %w", err))
	}
	return result, nil
}
