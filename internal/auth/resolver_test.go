package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/model"
	"github.com/flintttan/hapi-sub000/internal/store"
)

func newResolverFixture(t *testing.T, legacyToken string) (*Resolver, *store.Store, model.User) {
	t.Helper()
	st, err := store.Open(store.Options{Path: ":memory:", TokenKey: []byte("k")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	user, err := st.CreateUser(context.Background(), "alice", nil, nil, nil, time.Now().UnixMilli())
	require.NoError(t, err)

	r := NewResolver(st, testTokenConfig(), legacyToken, store.DefaultCliUsername)
	return r, st, user
}

func TestResolveCliToken(t *testing.T) {
	r, st, user := newResolverFixture(t, "")
	ctx := context.Background()

	tok, plaintext, err := st.GenerateCliToken(ctx, user.ID, nil, time.Now().UnixMilli())
	require.NoError(t, err)

	id, err := r.Resolve(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, user.ID, id.UserID)
	require.Equal(t, user.ID, id.Namespace)

	// Revocation takes effect on the next resolve.
	require.NoError(t, st.RevokeCliToken(ctx, tok.ID, user.ID))
	_, err = r.Resolve(ctx, plaintext)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestResolveLegacySharedToken(t *testing.T) {
	r, st, user := newResolverFixture(t, "shared-secret")
	ctx := context.Background()

	cliUser, err := st.GetUserByUsername(ctx, store.DefaultCliUsername)
	require.NoError(t, err)

	// Bare shared token maps to the default CLI user's own namespace.
	id, err := r.Resolve(ctx, "shared-secret")
	require.NoError(t, err)
	require.Equal(t, cliUser.ID, id.UserID)
	require.Equal(t, cliUser.ID, id.Namespace)

	// A namespace suffix sticks when it names a real user.
	id, err = r.Resolve(ctx, "shared-secret:"+user.ID)
	require.NoError(t, err)
	require.Equal(t, cliUser.ID, id.UserID)
	require.Equal(t, user.ID, id.Namespace)

	// An unknown suffix falls back to the CLI user's namespace.
	id, err = r.Resolve(ctx, "shared-secret:nobody")
	require.NoError(t, err)
	require.Equal(t, cliUser.ID, id.Namespace)
}

func TestResolveLegacyTokenDisabled(t *testing.T) {
	r, _, _ := newResolverFixture(t, "")

	_, err := r.Resolve(context.Background(), "shared-secret")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestResolveJWT(t *testing.T) {
	r, _, user := newResolverFixture(t, "")
	ctx := context.Background()

	token, err := CreateToken(user.ID, "", testTokenConfig())
	require.NoError(t, err)

	id, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, user.ID, id.UserID)
	require.Equal(t, user.ID, id.Namespace)
}

func TestResolveJWTNamespaceClaim(t *testing.T) {
	r, st, user := newResolverFixture(t, "")
	ctx := context.Background()

	other, err := st.CreateUser(ctx, "bob", nil, nil, nil, time.Now().UnixMilli())
	require.NoError(t, err)

	token, err := CreateToken(user.ID, other.ID, testTokenConfig())
	require.NoError(t, err)
	id, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, user.ID, id.UserID)
	require.Equal(t, other.ID, id.Namespace)

	// A namespace claim that names no user falls back to the caller's own.
	token, err = CreateToken(user.ID, "ghost", testTokenConfig())
	require.NoError(t, err)
	id, err = r.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, user.ID, id.Namespace)
}

func TestResolveRejectsGarbage(t *testing.T) {
	r, _, _ := newResolverFixture(t, "shared-secret")
	ctx := context.Background()

	for _, bearer := range []string{"", "not-a-token", "hub_0000"} {
		_, err := r.Resolve(ctx, bearer)
		require.ErrorIs(t, err, errs.ErrUnauthorized, bearer)
	}
}

func TestResolveOrderPrefersCliToken(t *testing.T) {
	// The per-user token wins even when a JWT would also parse: Resolve
	// tries the token store before signature verification.
	r, st, user := newResolverFixture(t, "")
	ctx := context.Background()

	_, plaintext, err := st.GenerateCliToken(ctx, user.ID, nil, time.Now().UnixMilli())
	require.NoError(t, err)

	id, err := r.Resolve(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, user.ID, id.UserID)
}
