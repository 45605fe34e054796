package auth

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/model"
)

// Identity is the result of resolving a credential: who the caller is and
// which namespace every store and cache access is scoped to.
type Identity struct {
	UserID    string
	Namespace string
}

// ResolverStore is the slice of the store the resolver needs.
type ResolverStore interface {
	ValidateCliToken(ctx context.Context, plaintext string, now int64) (model.CliToken, error)
	GetUserByID(ctx context.Context, id string) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
}

// Resolver maps a bearer credential to an identity. Per-user CLI tokens are
// tried before the legacy shared token on purpose: a compromised per-user
// token must never be confusable with the shared one.
type Resolver struct {
	store       ResolverStore
	tokenConfig TokenConfig

	// legacyToken, when non-empty, accepts the deprecated shared credential
	// and maps it to the seeded default CLI user.
	legacyToken    string
	defaultCliUser string

	now func() time.Time
}

func NewResolver(store ResolverStore, tokenConfig TokenConfig, legacyToken, defaultCliUser string) *Resolver {
	return &Resolver{
		store:          store,
		tokenConfig:    tokenConfig,
		legacyToken:    legacyToken,
		defaultCliUser: defaultCliUser,
		now:            time.Now,
	}
}

// Resolve tries, in order: per-user CLI token, legacy shared token
// (optionally suffixed ":namespace"), signed session token. Anything else
// fails before any data access happens.
func (r *Resolver) Resolve(ctx context.Context, bearer string) (Identity, error) {
	if bearer == "" {
		return Identity{}, errs.ErrUnauthorized
	}

	if tok, err := r.store.ValidateCliToken(ctx, bearer, r.now().UnixMilli()); err == nil {
		return Identity{UserID: tok.UserID, Namespace: tok.UserID}, nil
	}

	if id, ok, err := r.resolveLegacy(ctx, bearer); err != nil {
		return Identity{}, err
	} else if ok {
		return id, nil
	}

	claims, err := VerifyToken(bearer, r.tokenConfig)
	if err != nil || claims.UserID == "" {
		return Identity{}, errs.ErrUnauthorized
	}
	namespace := claims.UserID
	if claims.Namespace != "" && claims.Namespace != claims.UserID {
		// An explicit namespace claim only sticks when it resolves to a
		// real user; otherwise fall back to the caller's own id.
		if _, err := r.store.GetUserByID(ctx, claims.Namespace); err == nil {
			namespace = claims.Namespace
		}
	}
	return Identity{UserID: claims.UserID, Namespace: namespace}, nil
}

func (r *Resolver) resolveLegacy(ctx context.Context, bearer string) (Identity, bool, error) {
	if r.legacyToken == "" {
		return Identity{}, false, nil
	}

	candidate := bearer
	nsSuffix := ""
	if i := strings.IndexByte(bearer, ':'); i >= 0 {
		candidate = bearer[:i]
		nsSuffix = bearer[i+1:]
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(r.legacyToken)) != 1 {
		return Identity{}, false, nil
	}

	user, err := r.store.GetUserByUsername(ctx, r.defaultCliUser)
	if err != nil {
		return Identity{}, false, errs.ErrUnauthorized
	}
	namespace := user.ID
	if nsSuffix != "" && nsSuffix != user.ID {
		if _, err := r.store.GetUserByID(ctx, nsSuffix); err == nil {
			namespace = nsSuffix
		}
	}
	return Identity{UserID: user.ID, Namespace: namespace}, true, nil
}
