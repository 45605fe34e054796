package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flintttan/hapi-sub000/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: ":memory:", TokenKey: []byte("test-key")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newFileTestStore backs the store with a real file so the pool hands out
// multiple connections; :memory: collapses to one and serializes writers.
func newFileTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: t.TempDir() + "/hub.db", TokenKey: []byte("test-key")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, username string) model.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), username, nil, nil, nil, time.Now().UnixMilli())
	require.NoError(t, err)
	return u
}
