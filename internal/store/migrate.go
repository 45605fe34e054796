package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// currentSchemaVersion is stamped into PRAGMA user_version. The ladder:
//
//	0  pre-versioning layouts, told apart by column heuristics
//	1  single-user layout: users keyed by username, rows keyed by user_id
//	2  namespace layout: sessions/machines carry a namespace column
//	3  current: todos, message local ids, cli_tokens
const currentSchemaVersion = 3

// DefaultCliUsername is the seeded system user that legacy shared-token
// credentials resolve to.
const DefaultCliUsername = "cli"

const systemUsername = "system"

type schemaGeneration int

const (
	genEmpty schemaGeneration = iota
	// genLegacyPlatform is the oldest layout: users identified by an
	// external chat-platform identity (platform, platform_user_id).
	genLegacyPlatform
	genLegacyOwner
	genNamespaced
	genCurrent
	genFuture
)

func (g schemaGeneration) String() string {
	switch g {
	case genEmpty:
		return "empty"
	case genLegacyPlatform:
		return "legacy-platform"
	case genLegacyOwner:
		return "legacy-owner"
	case genNamespaced:
		return "namespaced"
	case genCurrent:
		return "current"
	case genFuture:
		return "future"
	}
	return "unknown"
}

// migrate brings the database from any supported generation to the current
// schema. Each step runs in its own transaction so a failure leaves the
// prior generation intact.
func (s *Store) migrate() error {
	gen, err := s.detectGeneration()
	if err != nil {
		return err
	}
	s.log.Info("schema detected", zap.String("generation", gen.String()))

	switch gen {
	case genFuture:
		var v int
		_ = s.db.QueryRow("PRAGMA user_version").Scan(&v)
		return fmt.Errorf("store: database schema version %d is newer than supported version %d; back up the file and rebuild it with a newer release", v, currentSchemaVersion)
	case genEmpty:
		if err := s.createCurrentSchema(); err != nil {
			return err
		}
	case genLegacyPlatform:
		if err := s.migratePlatformUsers(); err != nil {
			return err
		}
		fallthrough
	case genLegacyOwner:
		if err := s.migrateNamespaces(); err != nil {
			return err
		}
		fallthrough
	case genNamespaced:
		if err := s.migrateTodosAndTokens(); err != nil {
			return err
		}
	case genCurrent:
	}

	if err := s.assertTables("users", "sessions", "machines", "session_messages", "cli_tokens"); err != nil {
		return err
	}
	return s.ensureSeedUsers()
}

// ensureSeedUsers guarantees the well-known users exist on every upgrade
// path, not just on fresh databases.
func (s *Store) ensureSeedUsers() error {
	now := time.Now().UnixMilli()
	for _, username := range []string{systemUsername, DefaultCliUsername} {
		var id string
		err := s.db.QueryRow(`SELECT id FROM users WHERE username = ?`, username).Scan(&id)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("store: look up seed user %q: %w", username, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`,
			uuid.NewString(), username, now,
		); err != nil {
			return fmt.Errorf("store: seed user %q: %w", username, err)
		}
	}
	return nil
}

func (s *Store) detectGeneration() (schemaGeneration, error) {
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return genEmpty, fmt.Errorf("store: read user_version: %w", err)
	}
	switch {
	case v > currentSchemaVersion:
		return genFuture, nil
	case v == currentSchemaVersion:
		return genCurrent, nil
	case v == 2:
		return genNamespaced, nil
	case v == 1:
		return genLegacyOwner, nil
	}

	// Unstamped database: either brand new or a pre-versioning layout.
	if !s.tableExists("users") {
		return genEmpty, nil
	}
	if s.tableHasColumn("users", "platform") && s.tableHasColumn("users", "platform_user_id") {
		return genLegacyPlatform, nil
	}
	return genLegacyOwner, nil
}

func (s *Store) createCurrentSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin create schema: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`CREATE TABLE users (
			id TEXT PRIMARY KEY,
			external_login_id TEXT UNIQUE,
			username TEXT NOT NULL UNIQUE,
			email TEXT UNIQUE,
			password_hash TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			tag TEXT,
			namespace TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			machine_id TEXT,
			seq INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			metadata_version INTEGER NOT NULL DEFAULT 1,
			agent_state TEXT,
			agent_state_version INTEGER NOT NULL DEFAULT 0,
			todos TEXT,
			todos_updated_at INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 0,
			active_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_sessions_namespace ON sessions(namespace, updated_at)`,
		`CREATE INDEX idx_sessions_tag ON sessions(namespace, tag, created_at)`,
		`CREATE TABLE machines (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			metadata_version INTEGER NOT NULL DEFAULT 1,
			daemon_state TEXT,
			daemon_state_version INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 0,
			active_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_machines_namespace ON machines(namespace, updated_at)`,
		`CREATE TABLE session_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			local_id TEXT,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		)`,
		`CREATE UNIQUE INDEX idx_messages_local ON session_messages(session_id, local_id) WHERE local_id IS NOT NULL`,
		`CREATE TABLE cli_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash TEXT NOT NULL UNIQUE,
			label TEXT,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER NOT NULL DEFAULT 0
		)`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}

	now := time.Now().UnixMilli()
	for _, username := range []string{systemUsername, DefaultCliUsername} {
		if _, err := tx.Exec(
			`INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`,
			uuid.NewString(), username, now,
		); err != nil {
			return fmt.Errorf("store: seed system user %q: %w", username, err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("store: stamp schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit create schema: %w", err)
	}
	s.log.Info("schema created", zap.Int("version", currentSchemaVersion))
	return nil
}

// migratePlatformUsers rebuilds the oldest users layout (platform +
// platform_user_id identity) into username-keyed users. The platform pair
// becomes the external login id; usernames are synthesized from it.
func (s *Store) migratePlatformUsers() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin platform-users migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`CREATE TABLE users_new (
			id TEXT PRIMARY KEY,
			external_login_id TEXT UNIQUE,
			username TEXT NOT NULL UNIQUE,
			email TEXT UNIQUE,
			password_hash TEXT,
			created_at INTEGER NOT NULL
		)`,
		`INSERT INTO users_new (id, external_login_id, username, email, password_hash, created_at)
			SELECT id,
				platform || ':' || platform_user_id,
				platform || ':' || platform_user_id,
				NULL, NULL, created_at
			FROM users`,
		`DROP TABLE users`,
		`ALTER TABLE users_new RENAME TO users`,
		`PRAGMA user_version = 1`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: platform-users migration: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit platform-users migration: %w", err)
	}
	s.log.Info("migrated platform-identified users", zap.Int("to_version", 1))
	return nil
}

// migrateNamespaces rebuilds sessions and machines with a namespace column
// backfilled from the legacy per-row user_id. A machine id claimed by two
// users cannot be represented and fails the migration rather than merging.
func (s *Store) migrateNamespaces() error {
	if s.tableExists("machines") {
		var dup sql.NullString
		err := s.db.QueryRow(
			`SELECT id FROM machines GROUP BY id HAVING COUNT(DISTINCT user_id) > 1 LIMIT 1`,
		).Scan(&dup)
		if err == nil && dup.Valid {
			return fmt.Errorf("store: machine %q exists under multiple users; refusing to merge namespaces", dup.String)
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("store: check machine namespace uniqueness: %w", err)
		}
	}

	// An unstamped legacy-owner database may predate the wider users layout;
	// bring the table up before anything references the new columns.
	var userStmts []string
	if !s.tableHasColumn("users", "external_login_id") {
		userStmts = append(userStmts,
			`ALTER TABLE users ADD COLUMN external_login_id TEXT`,
			`CREATE UNIQUE INDEX idx_users_external_login ON users(external_login_id) WHERE external_login_id IS NOT NULL`)
	}
	if !s.tableHasColumn("users", "email") {
		userStmts = append(userStmts,
			`ALTER TABLE users ADD COLUMN email TEXT`,
			`CREATE UNIQUE INDEX idx_users_email ON users(email) WHERE email IS NOT NULL`)
	}
	if !s.tableHasColumn("users", "password_hash") {
		userStmts = append(userStmts, `ALTER TABLE users ADD COLUMN password_hash TEXT`)
	}

	// Either table may be absent from a minimal legacy database; a missing
	// one is created in the namespaced form directly instead of rebuilt.
	// Existence is checked before the transaction takes the connection.
	haveSessions := s.tableExists("sessions")
	haveMachines := s.tableExists("machines")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin namespace migration: %w", err)
	}
	defer tx.Rollback()

	const sessionsDDL = `(
			id TEXT PRIMARY KEY,
			tag TEXT,
			namespace TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			machine_id TEXT,
			seq INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			metadata_version INTEGER NOT NULL DEFAULT 1,
			agent_state TEXT,
			agent_state_version INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 0,
			active_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`
	const machinesDDL = `(
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			metadata_version INTEGER NOT NULL DEFAULT 1,
			daemon_state TEXT,
			daemon_state_version INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 0,
			active_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`

	stmts := userStmts
	if haveSessions {
		stmts = append(stmts,
			`CREATE TABLE sessions_new `+sessionsDDL,
			`INSERT INTO sessions_new (id, tag, namespace, machine_id, seq, metadata, metadata_version,
					agent_state, agent_state_version, active, active_at, created_at, updated_at)
				SELECT id, tag, user_id, machine_id, seq, metadata, metadata_version,
					agent_state, agent_state_version, active, active_at, created_at, updated_at
				FROM sessions`,
			`DROP TABLE sessions`,
			`ALTER TABLE sessions_new RENAME TO sessions`)
	} else {
		stmts = append(stmts, `CREATE TABLE sessions `+sessionsDDL)
	}
	stmts = append(stmts,
		`CREATE INDEX idx_sessions_namespace ON sessions(namespace, updated_at)`,
		`CREATE INDEX idx_sessions_tag ON sessions(namespace, tag, created_at)`)
	if haveMachines {
		stmts = append(stmts,
			`CREATE TABLE machines_new `+machinesDDL,
			`INSERT INTO machines_new (id, namespace, seq, metadata, metadata_version,
					daemon_state, daemon_state_version, active, active_at, created_at, updated_at)
				SELECT id, user_id, seq, metadata, metadata_version,
					daemon_state, daemon_state_version, active, active_at, created_at, updated_at
				FROM machines`,
			`DROP TABLE machines`,
			`ALTER TABLE machines_new RENAME TO machines`)
	} else {
		stmts = append(stmts, `CREATE TABLE machines `+machinesDDL)
	}
	stmts = append(stmts,
		`CREATE INDEX idx_machines_namespace ON machines(namespace, updated_at)`,
		`PRAGMA user_version = 2`)
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: namespace migration: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit namespace migration: %w", err)
	}
	s.log.Info("migrated per-user rows to namespaces", zap.Int("to_version", 2))
	return nil
}

func (s *Store) migrateTodosAndTokens() error {
	// Older layouts named the transcript table "messages" and may predate
	// transcripts entirely.
	var messagesStmts []string
	switch {
	case s.tableExists("session_messages"):
		messagesStmts = []string{`ALTER TABLE session_messages ADD COLUMN local_id TEXT`}
	case s.tableExists("messages"):
		messagesStmts = []string{
			`ALTER TABLE messages RENAME TO session_messages`,
			`ALTER TABLE session_messages ADD COLUMN local_id TEXT`,
		}
	default:
		messagesStmts = []string{`CREATE TABLE session_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			local_id TEXT,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		)`}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin todos/tokens migration: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`ALTER TABLE sessions ADD COLUMN todos TEXT`,
		`ALTER TABLE sessions ADD COLUMN todos_updated_at INTEGER NOT NULL DEFAULT 0`,
	}
	stmts = append(stmts, messagesStmts...)
	for _, stmt := range append(stmts,
		`CREATE UNIQUE INDEX idx_messages_local ON session_messages(session_id, local_id) WHERE local_id IS NOT NULL`,
		`CREATE TABLE cli_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash TEXT NOT NULL UNIQUE,
			label TEXT,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER NOT NULL DEFAULT 0
		)`,
		`PRAGMA user_version = 3`,
	) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: todos/tokens migration: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit todos/tokens migration: %w", err)
	}
	s.log.Info("migrated todos and cli tokens", zap.Int("to_version", 3))
	return nil
}

// assertTables verifies the migrated database actually has the schema this
// build needs. Absence here is a fatal startup error, never a silent no-op.
func (s *Store) assertTables(tables ...string) error {
	for _, table := range tables {
		if !s.tableExists(table) {
			return fmt.Errorf("store: required table %q missing after migration", table)
		}
	}
	return nil
}

func (s *Store) tableExists(table string) bool {
	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&name)
	return err == nil
}

func (s *Store) tableHasColumn(table, column string) bool {
	rows, err := s.db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}
