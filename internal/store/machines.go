package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/model"
)

const machineColumns = `id, namespace, seq, metadata, metadata_version,
	daemon_state, daemon_state_version, active, active_at, created_at, updated_at`

func scanMachine(row interface{ Scan(...any) error }) (model.Machine, error) {
	var m model.Machine
	err := row.Scan(
		&m.ID, &m.Namespace, &m.Seq, &m.Metadata, &m.MetadataVersion,
		&m.DaemonState, &m.DaemonStateVersion,
		&m.Active, &m.ActiveAt, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// UpsertMachine registers a machine under the caller's namespace or refreshes
// an existing one: submitted metadata and daemon state replace the stored
// values when they differ, with the matching version bump. A machine id
// already claimed by another namespace reads as not found; ids are globally
// unique by schema. mutated reports whether the call inserted the row or
// changed any field.
func (s *Store) UpsertMachine(ctx context.Context, namespace, machineID, metadata string, daemonState *string, now int64) (model.Machine, bool, error) {
	if machineID == "" {
		return model.Machine{}, false, fmt.Errorf("%w: missing machine id", errs.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Machine{}, false, fmt.Errorf("store: begin machine upsert: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT namespace FROM machines WHERE id = ?`, machineID).Scan(&owner)
	switch {
	case err == sql.ErrNoRows:
		if metadata == "" {
			metadata = "{}"
		}
		daemonStateVersion := 0
		if daemonState != nil {
			daemonStateVersion = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO machines (id, namespace, seq, metadata, metadata_version,
				daemon_state, daemon_state_version, active, active_at, created_at, updated_at)
			 VALUES (?, ?, 0, ?, 1, ?, ?, 0, 0, ?, ?)`,
			machineID, namespace, metadata, daemonState, daemonStateVersion, now, now,
		); err != nil {
			return model.Machine{}, false, fmt.Errorf("store: insert machine: %w", err)
		}
		m, err := scanMachine(tx.QueryRowContext(ctx,
			`SELECT `+machineColumns+` FROM machines WHERE id = ?`, machineID))
		if err != nil {
			return model.Machine{}, false, fmt.Errorf("store: read back machine: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return model.Machine{}, false, fmt.Errorf("store: commit machine insert: %w", err)
		}
		return m, true, nil
	case err != nil:
		return model.Machine{}, false, fmt.Errorf("store: lookup machine owner: %w", err)
	case owner != namespace:
		return model.Machine{}, false, errs.ErrNotFound
	}

	m, err := scanMachine(tx.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = ? AND namespace = ?`, machineID, namespace))
	if err != nil {
		return model.Machine{}, false, fmt.Errorf("store: read machine: %w", err)
	}

	metaChanged := metadata != "" && metadata != m.Metadata
	stateChanged := daemonState != nil && (m.DaemonState == nil || *m.DaemonState != *daemonState)
	if !metaChanged && !stateChanged {
		return m, false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE machines
		 SET metadata = CASE WHEN ? THEN ? ELSE metadata END,
		     metadata_version = metadata_version + (CASE WHEN ? THEN 1 ELSE 0 END),
		     daemon_state = CASE WHEN ? THEN ? ELSE daemon_state END,
		     daemon_state_version = daemon_state_version + (CASE WHEN ? THEN 1 ELSE 0 END),
		     seq = seq + 1, updated_at = ?
		 WHERE id = ? AND namespace = ?`,
		metaChanged, metadata, metaChanged,
		stateChanged, daemonState, stateChanged,
		now, machineID, namespace,
	); err != nil {
		return model.Machine{}, false, fmt.Errorf("store: refresh machine: %w", err)
	}
	m, err = scanMachine(tx.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = ? AND namespace = ?`, machineID, namespace))
	if err != nil {
		return model.Machine{}, false, fmt.Errorf("store: read back machine: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Machine{}, false, fmt.Errorf("store: commit machine refresh: %w", err)
	}
	return m, true, nil
}

func (s *Store) GetMachine(ctx context.Context, namespace, machineID string) (model.Machine, error) {
	m, err := scanMachine(s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = ? AND namespace = ?`,
		machineID, namespace))
	if err == sql.ErrNoRows {
		return model.Machine{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Machine{}, fmt.Errorf("store: get machine: %w", err)
	}
	return m, nil
}

func (s *Store) ListMachines(ctx context.Context, namespace string) ([]model.Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE namespace = ? ORDER BY updated_at DESC`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("store: list machines: %w", err)
	}
	defer rows.Close()

	result := make([]model.Machine, 0)
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan machine: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *Store) UpdateMachineMetadata(ctx context.Context, namespace, machineID string, expectedVersion int, metadata string, now int64) (UpdateStatus, int, string, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines
		 SET metadata = ?, metadata_version = metadata_version + 1, seq = seq + 1, updated_at = ?
		 WHERE id = ? AND namespace = ? AND metadata_version = ?`,
		metadata, now, machineID, namespace, expectedVersion)
	if err != nil {
		return UpdateNotFound, 0, "", fmt.Errorf("store: update machine metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return UpdateApplied, expectedVersion + 1, metadata, nil
	}

	var version int
	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT metadata_version, metadata FROM machines WHERE id = ? AND namespace = ?`,
		machineID, namespace).Scan(&version, &current)
	if err == sql.ErrNoRows {
		return UpdateNotFound, 0, "", nil
	}
	if err != nil {
		return UpdateNotFound, 0, "", fmt.Errorf("store: read current machine metadata: %w", err)
	}
	return UpdateConflict, version, current, nil
}

func (s *Store) UpdateMachineDaemonState(ctx context.Context, namespace, machineID string, expectedVersion int, daemonState *string, now int64) (UpdateStatus, int, *string, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines
		 SET daemon_state = ?, daemon_state_version = daemon_state_version + 1, seq = seq + 1, updated_at = ?
		 WHERE id = ? AND namespace = ? AND daemon_state_version = ?`,
		daemonState, now, machineID, namespace, expectedVersion)
	if err != nil {
		return UpdateNotFound, 0, nil, fmt.Errorf("store: update machine daemon state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return UpdateApplied, expectedVersion + 1, daemonState, nil
	}

	var version int
	var current *string
	err = s.db.QueryRowContext(ctx,
		`SELECT daemon_state_version, daemon_state FROM machines WHERE id = ? AND namespace = ?`,
		machineID, namespace).Scan(&version, &current)
	if err == sql.ErrNoRows {
		return UpdateNotFound, 0, nil, nil
	}
	if err != nil {
		return UpdateNotFound, 0, nil, fmt.Errorf("store: read current daemon state: %w", err)
	}
	return UpdateConflict, version, current, nil
}

func (s *Store) SetMachineActive(ctx context.Context, namespace, machineID string, active bool, activeAt, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines
		 SET active = ?, active_at = CASE WHEN ? THEN ? ELSE active_at END, seq = seq + 1, updated_at = ?
		 WHERE id = ? AND namespace = ?`,
		active, active, activeAt, now, machineID, namespace)
	if err != nil {
		return false, fmt.Errorf("store: set machine active: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
