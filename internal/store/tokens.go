package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/flintttan/hapi-sub000/internal/crypto"
	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/model"
)

const cliTokenPrefix = "hub_"

const cliTokenColumns = `id, user_id, token_hash, label, created_at, last_used_at`

func scanCliToken(row interface{ Scan(...any) error }) (model.CliToken, error) {
	var t model.CliToken
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.Label, &t.CreatedAt, &t.LastUsedAt)
	return t, err
}

// hashCliToken computes the keyed hash a plaintext token is stored and
// looked up under. Deterministic by design: validation is a hash lookup.
func (s *Store) hashCliToken(plaintext string) string {
	mac := hmac.New(sha256.New, s.tokenKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateCliToken issues a per-user credential. The plaintext is returned
// exactly once; only its keyed hash is persisted.
func (s *Store) GenerateCliToken(ctx context.Context, userID string, label *string, now int64) (model.CliToken, string, error) {
	if _, err := s.GetUserByID(ctx, userID); err != nil {
		return model.CliToken{}, "", err
	}

	raw, err := crypto.RandBytes(32)
	if err != nil {
		return model.CliToken{}, "", fmt.Errorf("store: generate token: %w", err)
	}
	plaintext := cliTokenPrefix + hex.EncodeToString(raw)

	t := model.CliToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: s.hashCliToken(plaintext),
		Label:     label,
		CreatedAt: now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO cli_tokens (id, user_id, token_hash, label, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		t.ID, t.UserID, t.TokenHash, t.Label, t.CreatedAt,
	); err != nil {
		return model.CliToken{}, "", fmt.Errorf("store: insert cli token: %w", err)
	}
	return t, plaintext, nil
}

// ValidateCliToken hashes the candidate and looks it up; a hit bumps
// last_used_at. The plaintext never reaches the database.
func (s *Store) ValidateCliToken(ctx context.Context, plaintext string, now int64) (model.CliToken, error) {
	if plaintext == "" {
		return model.CliToken{}, errs.ErrUnauthorized
	}

	t, err := scanCliToken(s.db.QueryRowContext(ctx,
		`SELECT `+cliTokenColumns+` FROM cli_tokens WHERE token_hash = ?`,
		s.hashCliToken(plaintext)))
	if err == sql.ErrNoRows {
		return model.CliToken{}, errs.ErrUnauthorized
	}
	if err != nil {
		return model.CliToken{}, fmt.Errorf("store: validate cli token: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE cli_tokens SET last_used_at = ? WHERE id = ?`, now, t.ID); err != nil {
		return model.CliToken{}, fmt.Errorf("store: touch cli token: %w", err)
	}
	t.LastUsedAt = now
	return t, nil
}

// RevokeCliToken deletes a token, but only for its owning user. An
// ownership mismatch reads as not found.
func (s *Store) RevokeCliToken(ctx context.Context, tokenID, ownerID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cli_tokens WHERE id = ? AND user_id = ?`, tokenID, ownerID)
	if err != nil {
		return fmt.Errorf("store: revoke cli token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *Store) ListCliTokens(ctx context.Context, ownerID string) ([]model.CliToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cliTokenColumns+` FROM cli_tokens WHERE user_id = ? ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: list cli tokens: %w", err)
	}
	defer rows.Close()

	result := make([]model.CliToken, 0)
	for rows.Next() {
		t, err := scanCliToken(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan cli token: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
