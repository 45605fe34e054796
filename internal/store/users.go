package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/model"
)

const userColumns = `id, external_login_id, username, email, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.ExternalLoginID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, username string, email, passwordHash, externalLoginID *string, now int64) (model.User, error) {
	if username == "" {
		return model.User{}, fmt.Errorf("%w: missing username", errs.ErrInvalidInput)
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, external_login_id, username, email, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, externalLoginID, username, email, passwordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("%w: identity already registered", errs.ErrConflict)
		}
		return model.User{}, fmt.Errorf("store: insert user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) GetUserByID(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return model.User{}, errs.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err == sql.ErrNoRows {
		return model.User{}, errs.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("store: get user by username: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByExternalLoginID(ctx context.Context, externalLoginID string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_login_id = ?`, externalLoginID))
	if err == sql.ErrNoRows {
		return model.User{}, errs.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("store: get user by external login: %w", err)
	}
	return u, nil
}

// DeleteUser removes the user and, via the schema's cascades, every session,
// message, machine and CLI token the user owns.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
