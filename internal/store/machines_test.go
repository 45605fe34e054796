package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flintttan/hapi-sub000/internal/errs"
)

func TestUpsertMachineIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	first, mutated, err := s.UpsertMachine(ctx, u.ID, "mach-1", `{"host":"dev"}`, nil, now)
	require.NoError(t, err)
	require.True(t, mutated)
	require.Equal(t, 1, first.MetadataVersion)

	// A repeat with identical fields leaves the row untouched.
	second, mutated, err := s.UpsertMachine(ctx, u.ID, "mach-1", `{"host":"dev"}`, nil, now+1)
	require.NoError(t, err)
	require.False(t, mutated)
	require.Equal(t, first.Seq, second.Seq)
	require.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

// A daemon re-registering with different details refreshes the stored row
// rather than reading back stale state.
func TestUpsertMachineRefreshesChangedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	first, _, err := s.UpsertMachine(ctx, u.ID, "mach-1", `{"host":"dev"}`, nil, now)
	require.NoError(t, err)

	state := `{"running":true}`
	second, mutated, err := s.UpsertMachine(ctx, u.ID, "mach-1", `{"host":"moved"}`, &state, now+5)
	require.NoError(t, err)
	require.True(t, mutated)
	require.Equal(t, `{"host":"moved"}`, second.Metadata)
	require.Equal(t, first.MetadataVersion+1, second.MetadataVersion)
	require.NotNil(t, second.DaemonState)
	require.Equal(t, state, *second.DaemonState)
	require.Equal(t, 1, second.DaemonStateVersion)
	require.Equal(t, first.Seq+1, second.Seq)
	require.EqualValues(t, now+5, second.UpdatedAt)

	// Re-sending the same values is a no-op again.
	third, mutated, err := s.UpsertMachine(ctx, u.ID, "mach-1", `{"host":"moved"}`, &state, now+9)
	require.NoError(t, err)
	require.False(t, mutated)
	require.Equal(t, second.Seq, third.Seq)
}

func TestUpsertMachineCrossNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")
	now := time.Now().UnixMilli()

	_, _, err := s.UpsertMachine(ctx, alice.ID, "mach-1", "m", nil, now)
	require.NoError(t, err)

	// Machine ids are globally unique; a claim from another namespace reads
	// as not found rather than revealing the machine exists.
	_, _, err = s.UpsertMachine(ctx, bob.ID, "mach-1", "m", nil, now)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.GetMachine(ctx, bob.ID, "mach-1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateMachineMetadataCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	m, _, err := s.UpsertMachine(ctx, u.ID, "mach-1", "v0", nil, now)
	require.NoError(t, err)

	status, version, value, err := s.UpdateMachineMetadata(ctx, u.ID, m.ID, 1, "v1", now)
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, status)
	require.Equal(t, 2, version)
	require.Equal(t, "v1", value)

	status, version, value, err = s.UpdateMachineMetadata(ctx, u.ID, m.ID, 1, "late", now)
	require.NoError(t, err)
	require.Equal(t, UpdateConflict, status)
	require.Equal(t, 2, version)
	require.Equal(t, "v1", value)
}

func TestUpdateMachineMetadataCASConcurrentPair(t *testing.T) {
	s := newFileTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	m, _, err := s.UpsertMachine(ctx, u.ID, "mach-1", "v0", nil, now)
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
			status, version, value, err := s.UpdateMachineMetadata(ctx, u.ID, m.ID, m.MetadataVersion, val, now)
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
	require.Equal(t, applied[0].version, conflicted[0].version)
	require.Equal(t, applied[0].value, conflicted[0].value)
}

func TestUpdateMachineDaemonState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	m, _, err := s.UpsertMachine(ctx, u.ID, "mach-1", "m", nil, now)
	require.NoError(t, err)
	require.Equal(t, 0, m.DaemonStateVersion)

	state := `{"running":true}`
	status, version, _, err := s.UpdateMachineDaemonState(ctx, u.ID, m.ID, 0, &state, now)
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, status)
	require.Equal(t, 1, version)

	status, _, _, err = s.UpdateMachineDaemonState(ctx, u.ID, "missing", 0, &state, now)
	require.NoError(t, err)
	require.Equal(t, UpdateNotFound, status)
}

func TestSetMachineActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "alice")
	now := time.Now().UnixMilli()

	m, _, err := s.UpsertMachine(ctx, u.ID, "mach-1", "m", nil, now)
	require.NoError(t, err)

	ok, err := s.SetMachineActive(ctx, u.ID, m.ID, true, 777, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetMachine(ctx, u.ID, m.ID)
	require.NoError(t, err)
	require.True(t, got.Active)
	require.EqualValues(t, 777, got.ActiveAt)

	ok, err = s.SetMachineActive(ctx, u.ID, "missing", true, 777, now)
	require.NoError(t, err)
	require.False(t, ok)
}
