package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"servicebot/internal/apperr"
	"servicebot/internal/models"
)

// CreateSession inserts a new active session for the user and returns the record.
func (s *Service) CreateSession(ctx context.Context, userID int64, title string) (*models.Session, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, title, created_at, updated_at, status) VALUES (?, ?, ?, ?, ?)`,
		userID, title, now, now, models.SessionActive,
	)
	if err != nil {
		return nil, apperr.Storage("failed to create session", fmt.Errorf("create session: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Storage("failed to create session", fmt.Errorf("session id: %w", err))
	}
	return &models.Session{
		ID:        id,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    models.SessionActive,
	}, nil
}

func (s *Service) loadSession(ctx context.Context, userID, sessionID int64) (*models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at, status FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID,
	).Scan(&session.ID, &session.UserID, &session.Title, &session.CreatedAt, &session.UpdatedAt, &session.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("session not found")
		}
		return nil, apperr.Storage("failed to load session", fmt.Errorf("get session: %w", err))
	}
	return &session, nil
}

// GetActiveSession returns the session if it exists, belongs to userID and is
// still active. Any other case is reported as not found.
func (s *Service) GetActiveSession(ctx context.Context, userID, sessionID int64) (*models.Session, error) {
	session, err := s.loadSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active() {
		return nil, apperr.NotFound("session not found or closed")
	}
	return session, nil
}

// ListSessions returns the user's active sessions with their question counts,
// most recently active first.
func (s *Service) ListSessions(ctx context.Context, userID int64) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.user_id, s.title, s.created_at, s.updated_at, s.status,
			(SELECT COUNT(*) FROM questions q WHERE q.session_id = s.id)
		FROM sessions s
		WHERE s.user_id = ? AND s.status = ?
		ORDER BY s.updated_at DESC, s.id DESC`,
		userID, models.SessionActive,
	)
	if err != nil {
		return nil, apperr.Storage("failed to list sessions", fmt.Errorf("list sessions: %w", err))
	}
	defer rows.Close()

	sessions := make([]models.SessionSummary, 0)
	for rows.Next() {
		var item models.SessionSummary
		if err := rows.Scan(&item.ID, &item.UserID, &item.Title, &item.CreatedAt, &item.UpdatedAt,
			&item.Status, &item.QuestionCount); err != nil {
			return nil, apperr.Storage("failed to list sessions", fmt.Errorf("scan session: %w", err))
		}
		sessions = append(sessions, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("failed to list sessions", fmt.Errorf("iterate sessions: %w", err))
	}
	return sessions, nil
}

// SessionHistory returns the exchanges of an active session in chronological order.
func (s *Service) SessionHistory(ctx context.Context, userID, sessionID int64) ([]models.Exchange, error) {
	if _, err := s.GetActiveSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		exchangeSelect+` WHERE q.user_id = ? AND q.session_id = ? ORDER BY q.created_at ASC, q.id ASC`,
		userID, sessionID,
	)
	if err != nil {
		return nil, apperr.Storage("failed to load session history", fmt.Errorf("session history: %w", err))
	}
	defer rows.Close()
	list, err := scanExchanges(rows)
	if err != nil {
		return nil, apperr.Storage("failed to load session history", err)
	}
	return list, nil
}

// CloseSession marks an active session closed. Its history stays readable
// only through the user-wide history.
func (s *Service) CloseSession(ctx context.Context, userID, sessionID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND user_id = ? AND status = ?`,
		models.SessionClosed, s.now(), sessionID, userID, models.SessionActive,
	)
	if err != nil {
		return apperr.Storage("failed to close session", fmt.Errorf("close session: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Storage("failed to close session", fmt.Errorf("close rows affected: %w", err))
	}
	if affected == 0 {
		return apperr.NotFound("session not found or already closed")
	}
	return nil
}

// DeleteResult counts the rows removed with a session.
type DeleteResult struct {
	Questions int64
	Answers   int64
}

// DeleteSession removes the session, its questions and their answers in one
// transaction. Closed sessions can be deleted too.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID int64) (DeleteResult, error) {
	var result DeleteResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, apperr.Storage("failed to delete session", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	var owner int64
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, apperr.NotFound("session not found")
		}
		return result, apperr.Storage("failed to delete session", fmt.Errorf("verify session: %w", err))
	}
	if owner != userID {
		return result, apperr.NotFound("session not found")
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM answers WHERE question_id IN (SELECT id FROM questions WHERE session_id = ?)`, sessionID)
	if err != nil {
		return result, apperr.Storage("failed to delete session", fmt.Errorf("delete answers: %w", err))
	}
	if result.Answers, err = res.RowsAffected(); err != nil {
		return result, apperr.Storage("failed to delete session", fmt.Errorf("answers affected: %w", err))
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM questions WHERE session_id = ?`, sessionID)
	if err != nil {
		return result, apperr.Storage("failed to delete session", fmt.Errorf("delete questions: %w", err))
	}
	if result.Questions, err = res.RowsAffected(); err != nil {
		return result, apperr.Storage("failed to delete session", fmt.Errorf("questions affected: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return result, apperr.Storage("failed to delete session", fmt.Errorf("delete session: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return DeleteResult{}, apperr.Storage("failed to delete session", fmt.Errorf("commit delete: %w", err))
	}
	return result, nil
}
