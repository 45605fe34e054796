package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/model"
)

// UpdateStatus is the outcome of a compare-and-swap write. A version
// mismatch is a normal concurrent-write result, not an error.
type UpdateStatus string

const (
	UpdateApplied  UpdateStatus = "success"
	UpdateConflict UpdateStatus = "version-mismatch"
	UpdateNotFound UpdateStatus = "not-found"
)

const sessionColumns = `id, tag, namespace, machine_id, seq, metadata, metadata_version,
	agent_state, agent_state_version, todos, todos_updated_at, active, active_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (model.Session, error) {
	var sess model.Session
	err := row.Scan(
		&sess.ID, &sess.Tag, &sess.Namespace, &sess.MachineID, &sess.Seq,
		&sess.Metadata, &sess.MetadataVersion,
		&sess.AgentState, &sess.AgentStateVersion,
		&sess.Todos, &sess.TodosUpdatedAt,
		&sess.Active, &sess.ActiveAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	return sess, err
}

// GetOrCreateSession is idempotent by (tag, namespace). When several rows
// share a tag the most recently created one wins.
func (s *Store) GetOrCreateSession(ctx context.Context, namespace, tag, metadata string, agentState, machineID *string, now int64) (model.Session, bool, error) {
	if namespace == "" {
		return model.Session{}, false, fmt.Errorf("%w: missing namespace", errs.ErrInvalidInput)
	}
	if tag == "" {
		return model.Session{}, false, fmt.Errorf("%w: missing tag", errs.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, false, fmt.Errorf("store: begin get-or-create session: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE namespace = ? AND tag = ?
		 ORDER BY created_at DESC LIMIT 1`, namespace, tag))
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return model.Session{}, false, fmt.Errorf("store: lookup session by tag: %w", err)
	}

	agentStateVersion := 0
	if agentState != nil {
		agentStateVersion = 1
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, tag, namespace, machine_id, seq, metadata, metadata_version,
			agent_state, agent_state_version, active, active_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, 1, ?, ?, 0, 0, ?, ?)`,
		id, tag, namespace, machineID, metadata, agentState, agentStateVersion, now, now,
	); err != nil {
		return model.Session{}, false, fmt.Errorf("store: insert session: %w", err)
	}

	created, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return model.Session{}, false, fmt.Errorf("store: read back session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Session{}, false, fmt.Errorf("store: commit session create: %w", err)
	}
	return created, true, nil
}

func (s *Store) GetSession(ctx context.Context, namespace, sessionID string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND namespace = ?`,
		sessionID, namespace))
	if err == sql.ErrNoRows {
		return model.Session{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, namespace string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE namespace = ? ORDER BY updated_at DESC`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// UpdateSessionMetadata is a compare-and-swap on the metadata version. The
// WHERE clause filters on id, namespace and expected version in one atomic
// statement so there is no lost-update window.
func (s *Store) UpdateSessionMetadata(ctx context.Context, namespace, sessionID string, expectedVersion int, metadata string, now int64) (UpdateStatus, int, string, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET metadata = ?, metadata_version = metadata_version + 1, seq = seq + 1, updated_at = ?
		 WHERE id = ? AND namespace = ? AND metadata_version = ?`,
		metadata, now, sessionID, namespace, expectedVersion)
	if err != nil {
		return UpdateNotFound, 0, "", fmt.Errorf("store: update session metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return UpdateApplied, expectedVersion + 1, metadata, nil
	}

	var version int
	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT metadata_version, metadata FROM sessions WHERE id = ? AND namespace = ?`,
		sessionID, namespace).Scan(&version, &current)
	if err == sql.ErrNoRows {
		return UpdateNotFound, 0, "", nil
	}
	if err != nil {
		return UpdateNotFound, 0, "", fmt.Errorf("store: read current metadata: %w", err)
	}
	return UpdateConflict, version, current, nil
}

func (s *Store) UpdateSessionAgentState(ctx context.Context, namespace, sessionID string, expectedVersion int, agentState *string, now int64) (UpdateStatus, int, *string, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET agent_state = ?, agent_state_version = agent_state_version + 1, seq = seq + 1, updated_at = ?
		 WHERE id = ? AND namespace = ? AND agent_state_version = ?`,
		agentState, now, sessionID, namespace, expectedVersion)
	if err != nil {
		return UpdateNotFound, 0, nil, fmt.Errorf("store: update session agent state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return UpdateApplied, expectedVersion + 1, agentState, nil
	}

	var version int
	var current *string
	err = s.db.QueryRowContext(ctx,
		`SELECT agent_state_version, agent_state FROM sessions WHERE id = ? AND namespace = ?`,
		sessionID, namespace).Scan(&version, &current)
	if err == sql.ErrNoRows {
		return UpdateNotFound, 0, nil, nil
	}
	if err != nil {
		return UpdateNotFound, 0, nil, fmt.Errorf("store: read current agent state: %w", err)
	}
	return UpdateConflict, version, current, nil
}

// SetSessionTodos is last-writer-wins keyed on the caller's timestamp; an
// update that is not strictly newer than the stored one is ignored so
// out-of-order delivery cannot regress state.
func (s *Store) SetSessionTodos(ctx context.Context, namespace, sessionID string, todos *string, updatedAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET todos = ?, todos_updated_at = ?, seq = seq + 1, updated_at = ?
		 WHERE id = ? AND namespace = ? AND todos_updated_at < ?`,
		todos, updatedAt, updatedAt, sessionID, namespace, updatedAt)
	if err != nil {
		return false, fmt.Errorf("store: set session todos: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) SetSessionActive(ctx context.Context, namespace, sessionID string, active bool, activeAt, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET active = ?, active_at = CASE WHEN ? THEN ? ELSE active_at END, seq = seq + 1, updated_at = ?
		 WHERE id = ? AND namespace = ?`,
		active, active, activeAt, now, sessionID, namespace)
	if err != nil {
		return false, fmt.Errorf("store: set session active: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeleteSession removes an inactive session and, via the schema's cascade,
// its transcript. Deleting an active session is a conflict.
func (s *Store) DeleteSession(ctx context.Context, namespace, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin session delete: %w", err)
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx,
		`SELECT active FROM sessions WHERE id = ? AND namespace = ?`,
		sessionID, namespace).Scan(&active)
	if err == sql.ErrNoRows {
		return errs.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: check session before delete: %w", err)
	}
	if active {
		return fmt.Errorf("%w: session is active", errs.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND namespace = ?`, sessionID, namespace); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit session delete: %w", err)
	}
	return nil
}
