package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flintttan/hapi-sub000/internal/errs"
)

func TestGetOrCreateSessionIdempotentByTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	first, created, err := s.GetOrCreateSession(ctx, u.ID, "work-laptop", `{"name":"build"}`, nil, nil, now)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 1, first.MetadataVersion)
	require.EqualValues(t, 0, first.Seq)

	second, created, err := s.GetOrCreateSession(ctx, u.ID, "work-laptop", `{"name":"other"}`, nil, nil, now+1)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, `{"name":"build"}`, second.Metadata)
}

func TestGetOrCreateSessionAgentStateVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	state := `{"busy":true}`
	sess, _, err := s.GetOrCreateSession(ctx, u.ID, "t1", "m", &state, nil, now)
	require.NoError(t, err)
	require.Equal(t, 1, sess.AgentStateVersion)

	bare, _, err := s.GetOrCreateSession(ctx, u.ID, "t2", "m", nil, nil, now)
	require.NoError(t, err)
	require.Equal(t, 0, bare.AgentStateVersion)
	require.Nil(t, bare.AgentState)
}

func TestSessionNamespaceIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")
	now := time.Now().UnixMilli()

	sess, _, err := s.GetOrCreateSession(ctx, alice.ID, "tag", "m", nil, nil, now)
	require.NoError(t, err)

	_, err = s.GetSession(ctx, bob.ID, sess.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	status, _, _, err := s.UpdateSessionMetadata(ctx, bob.ID, sess.ID, 1, "stolen", now)
	require.NoError(t, err)
	require.Equal(t, UpdateNotFound, status)

	require.ErrorIs(t, s.DeleteSession(ctx, bob.ID, sess.ID), errs.ErrNotFound)

	list, err := s.ListSessions(ctx, bob.ID)
	require.NoError(t, err)
	require.Empty(t, list)

	// Same tag in another namespace is a distinct session.
	other, created, err := s.GetOrCreateSession(ctx, bob.ID, "tag", "m", nil, nil, now)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, sess.ID, other.ID)
}

func TestUpdateSessionMetadataCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	sess, _, err := s.GetOrCreateSession(ctx, u.ID, "tag", "v0", nil, nil, now)
	require.NoError(t, err)

	status, version, value, err := s.UpdateSessionMetadata(ctx, u.ID, sess.ID, sess.MetadataVersion, "v1", now)
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, status)
	require.Equal(t, 2, version)
	require.Equal(t, "v1", value)

	// A writer still holding the old version loses and gets the truth back.
	status, version, value, err = s.UpdateSessionMetadata(ctx, u.ID, sess.ID, sess.MetadataVersion, "v1-late", now)
	require.NoError(t, err)
	require.Equal(t, UpdateConflict, status)
	require.Equal(t, 2, version)
	require.Equal(t, "v1", value)

	got, err := s.GetSession(ctx, u.ID, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "v1", got.Metadata)
	require.EqualValues(t, sess.Seq+1, got.Seq)
}

// A truly concurrent pair of writers holding the same expected version must
// split into exactly one winner and one loser, with the loser told the
// winner's version and value.
func TestUpdateSessionMetadataCASConcurrentPair(t *testing.T) {
	s := newFileTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	sess, _, err := s.GetOrCreateSession(ctx, u.ID, "tag", "v0", nil, nil, now)
	require.NoError(t, err)

	type outcome struct {
		status  UpdateStatus
		version int
		value   string
		err     error
	}
	results := make(chan outcome, 2)
	for _, val := range []string{"left", "right"} {
		go func(val string) {
			status, version, value, err := s.UpdateSessionMetadata(ctx, u.ID, sess.ID, sess.MetadataVersion, val, now)
			results <- outcome{status, version, value, err}
		}(val)
	}

	var applied, conflicted []outcome
	for i := 0; i < 2; i++ {
		o := <-results
		require.NoError(t, o.err)
		switch o.status {
		case UpdateApplied:
			applied = append(applied, o)
		case UpdateConflict:
			conflicted = append(conflicted, o)
		default:
			t.Fatalf("unexpected status %q", o.status)
		}
	}
	require.Len(t, applied, 1)
	require.Len(t, conflicted, 1)
	require.Equal(t, 2, applied[0].version)
	require.Equal(t, 2, conflicted[0].version)
	require.Equal(t, applied[0].value, conflicted[0].value)

	got, err := s.GetSession(ctx, u.ID, sess.ID)
	require.NoError(t, err)
	require.Equal(t, applied[0].value, got.Metadata)
	require.Equal(t, 2, got.MetadataVersion)
}

func TestUpdateSessionAgentStateCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	sess, _, err := s.GetOrCreateSession(ctx, u.ID, "tag", "m", nil, nil, now)
	require.NoError(t, err)

	state := `{"busy":true}`
	status, version, value, err := s.UpdateSessionAgentState(ctx, u.ID, sess.ID, 0, &state, now)
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, status)
	require.Equal(t, 1, version)
	require.NotNil(t, value)

	// Clearing the state is a normal CAS write, not a special case.
	status, version, value, err = s.UpdateSessionAgentState(ctx, u.ID, sess.ID, 1, nil, now)
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, status)
	require.Equal(t, 2, version)
	require.Nil(t, value)

	status, _, _, err = s.UpdateSessionAgentState(ctx, u.ID, "missing", 0, &state, now)
	require.NoError(t, err)
	require.Equal(t, UpdateNotFound, status)
}

func TestSetSessionTodosLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	sess, _, err := s.GetOrCreateSession(ctx, u.ID, "tag", "m", nil, nil, now)
	require.NoError(t, err)

	newer := `[{"text":"ship"}]`
	applied, err := s.SetSessionTodos(ctx, u.ID, sess.ID, &newer, 2000)
	require.NoError(t, err)
	require.True(t, applied)

	// An older write arriving late must not regress state.
	older := `[{"text":"stale"}]`
	applied, err = s.SetSessionTodos(ctx, u.ID, sess.ID, &older, 1000)
	require.NoError(t, err)
	require.False(t, applied)

	// Same timestamp is not strictly newer either.
	applied, err = s.SetSessionTodos(ctx, u.ID, sess.ID, &older, 2000)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := s.GetSession(ctx, u.ID, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Todos)
	require.Equal(t, newer, *got.Todos)
	require.EqualValues(t, 2000, got.TodosUpdatedAt)
}

func TestSetSessionActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	sess, _, err := s.GetOrCreateSession(ctx, u.ID, "tag", "m", nil, nil, now)
	require.NoError(t, err)

	ok, err := s.SetSessionActive(ctx, u.ID, sess.ID, true, 1234, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetSession(ctx, u.ID, sess.ID)
	require.NoError(t, err)
	require.True(t, got.Active)
	require.EqualValues(t, 1234, got.ActiveAt)

	// Deactivating keeps the last-seen timestamp.
	ok, err = s.SetSessionActive(ctx, u.ID, sess.ID, false, 9999, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = s.GetSession(ctx, u.ID, sess.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
	require.EqualValues(t, 1234, got.ActiveAt)
}

func TestDeleteSessionActiveConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	sess, _, err := s.GetOrCreateSession(ctx, u.ID, "tag", "m", nil, nil, now)
	require.NoError(t, err)
	_, _, err = s.CreateMessage(ctx, u.ID, sess.ID, "hello", nil, now)
	require.NoError(t, err)

	_, err = s.SetSessionActive(ctx, u.ID, sess.ID, true, now, now)
	require.NoError(t, err)

	err = s.DeleteSession(ctx, u.ID, sess.ID)
	require.True(t, errors.Is(err, errs.ErrConflict))

	_, err = s.SetSessionActive(ctx, u.ID, sess.ID, false, now, now)
	require.NoError(t, err)
	require.NoError(t, s.DeleteSession(ctx, u.ID, sess.ID))

	_, err = s.GetSession(ctx, u.ID, sess.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// The transcript went with the session.
	var n int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM session_messages WHERE session_id = ?`, sess.ID).Scan(&n))
	require.Zero(t, n)
}
