package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store is the single source of truth for durable hub state. Every
// namespace-scoped read and write takes the scoping key as an explicit
// parameter; there is no get-by-id-only path outside this package.
type Store struct {
	db       *sql.DB
	tokenKey []byte
	log      *zap.Logger
}

type Options struct {
	// Path is the database file location. ":memory:" is accepted for tests.
	Path string
	// TokenKey keys the HMAC under which CLI token hashes are stored.
	TokenKey []byte
	Logger   *zap.Logger
}

func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store: missing database path")
	}
	if len(opts.TokenKey) == 0 {
		return nil, fmt.Errorf("store: missing token key")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	memory := opts.Path == ":memory:" || strings.Contains(opts.Path, "mode=memory")
	if !memory {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	// Pragmas go in the DSN so they apply to every pooled connection, not
	// just whichever one an Exec happened to land on.
	sep := "?"
	if strings.Contains(opts.Path, "?") {
		sep = "&"
	}
	dsn := opts.Path + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// In-memory SQLite gives each connection its own database; keep one
	// connection so schema and data are shared across goroutines.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{db: db, tokenKey: opts.TokenKey, log: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	if !memory {
		// Advisory tightening; the file may predate this process.
		_ = os.Chmod(opts.Path, 0o600)
	}

	logger.Info("store ready", zap.String("path", opts.Path))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
