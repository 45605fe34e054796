package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/model"
)

const messageColumns = `id, session_id, seq, local_id, content, created_at`

func scanMessage(row interface{ Scan(...any) error }) (model.SessionMessage, error) {
	var msg model.SessionMessage
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.LocalID, &msg.Content, &msg.CreatedAt)
	return msg, err
}

// CreateMessage appends one transcript turn. The session must belong to the
// caller's namespace. When localID was already recorded for the session the
// existing row is returned unchanged, so client retries are idempotent.
// Message seq is assigned as MAX(seq)+1 within the same transaction, which
// totals the order even under concurrent submitters.
func (s *Store) CreateMessage(ctx context.Context, namespace, sessionID, content string, localID *string, now int64) (model.SessionMessage, bool, error) {
	if content == "" {
		return model.SessionMessage{}, false, fmt.Errorf("%w: missing content", errs.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SessionMessage{}, false, fmt.Errorf("store: begin message create: %w", err)
	}
	defer tx.Rollback()

	var owned int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ? AND namespace = ?`, sessionID, namespace).Scan(&owned)
	if err == sql.ErrNoRows {
		return model.SessionMessage{}, false, errs.ErrNotFound
	}
	if err != nil {
		return model.SessionMessage{}, false, fmt.Errorf("store: check session ownership: %w", err)
	}

	if localID != nil {
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM session_messages WHERE session_id = ? AND local_id = ?`,
			sessionID, *localID))
		if err == nil {
			return existing, false, nil
		}
		if err != sql.ErrNoRows {
			return model.SessionMessage{}, false, fmt.Errorf("store: lookup message by local id: %w", err)
		}
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (id, session_id, seq, local_id, content, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = ?), ?, ?, ?)`,
		id, sessionID, sessionID, localID, content, now,
	); err != nil {
		// Two racing submitters with the same localId can both miss the
		// lookup above; the loser lands on the unique index (or a lock,
		// depending on timing) and must read the winner's row instead of
		// surfacing the failure.
		var sqlErr sqlite3.Error
		raced := errors.As(err, &sqlErr) &&
			(sqlErr.Code == sqlite3.ErrConstraint || sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked)
		if localID != nil && raced {
			tx.Rollback()
			existing, readErr := scanMessage(s.db.QueryRowContext(ctx,
				`SELECT `+messageColumns+` FROM session_messages WHERE session_id = ? AND local_id = ?`,
				sessionID, *localID))
			if readErr == nil {
				return existing, false, nil
			}
		}
		return model.SessionMessage{}, false, fmt.Errorf("store: insert message: %w", err)
	}
	// A child write counts as a mutation of the owning aggregate.
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return model.SessionMessage{}, false, fmt.Errorf("store: bump session seq: %w", err)
	}

	msg, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM session_messages WHERE id = ?`, id))
	if err != nil {
		return model.SessionMessage{}, false, fmt.Errorf("store: read back message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.SessionMessage{}, false, fmt.Errorf("store: commit message create: %w", err)
	}
	return msg, true, nil
}

// ListMessages returns up to limit messages with seq greater than after, in
// seq order.
func (s *Store) ListMessages(ctx context.Context, namespace, sessionID string, after int64, limit int) ([]model.SessionMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	var owned int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ? AND namespace = ?`, sessionID, namespace).Scan(&owned)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: check session ownership: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM session_messages
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	result := make([]model.SessionMessage, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// CountMessages reports the transcript length for a namespace-owned session.
func (s *Store) CountMessages(ctx context.Context, namespace, sessionID string) (int, error) {
	var owned int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ? AND namespace = ?`, sessionID, namespace).Scan(&owned)
	if err == sql.ErrNoRows {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: check session ownership: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}
