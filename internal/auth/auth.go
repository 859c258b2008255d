// Package auth resolves a bearer token into an AuthContext: API-key or
// identity-token lookup, per-path key derivation, and canonical-tenant
// resolution.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/cache"
	"github.com/cachebash/coordinator/internal/capability"
	"github.com/cachebash/coordinator/internal/config"
	"github.com/cachebash/coordinator/internal/crypto"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/store"
)

// AuthContext is the resolved identity of a caller, threaded through the
// gate and every module handler.
type AuthContext struct {
	Tenant        string // canonical tenant id — always used for store paths
	ProgramID     string
	Capabilities  []string
	EncryptionKey []byte
	IsIdentity    bool // true for the mobile/identity-token path
	RawUID        string
}

// Resolver resolves bearer tokens to AuthContexts.
type Resolver struct {
	store  store.Store
	cache  *cache.Cache
	cfg    *config.Config
	log    zerolog.Logger
}

// New constructs a Resolver.
func New(st store.Store, c *cache.Cache, cfg *config.Config, log zerolog.Logger) *Resolver {
	return &Resolver{store: st, cache: c, cfg: cfg, log: log.With().Str("component", "auth").Logger()}
}

// Resolve disambiguates and resolves a bearer token. It returns (nil, nil)
// on any recognized failure mode (unknown/inactive/revoked key, invalid
// identity token): callers return 401, nothing is surfaced as a Go error
// for those cases. A non-nil error means something unexpected broke
// (store unavailable, etc).
func (r *Resolver) Resolve(ctx context.Context, bearerToken string) (*AuthContext, error) {
	token := strings.TrimSpace(strings.TrimPrefix(bearerToken, "Bearer "))
	if token == "" {
		return nil, nil
	}

	var auth *AuthContext
	var err error
	switch {
	case strings.HasPrefix(token, "eyJ"):
		auth, err = r.resolveIdentityToken(ctx, token)
	case strings.HasPrefix(token, "cb_"):
		auth, err = r.resolveAPIKey(ctx, token)
	default:
		return nil, nil
	}
	if auth == nil || err != nil {
		return auth, err
	}

	canonical, err := r.resolveCanonicalTenant(ctx, auth.RawUID)
	if err != nil {
		return nil, err
	}
	if canonical != "" {
		auth.Tenant = canonical
	}
	return auth, nil
}

func (r *Resolver) resolveIdentityToken(ctx context.Context, token string) (*AuthContext, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if r.cfg.IdentityTokenSecret == "" {
			return nil, fmt.Errorf("auth: no identity token secret configured")
		}
		return []byte(r.cfg.IdentityTokenSecret), nil
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("identity token verification failed")
		return nil, nil
	}

	uid, _ := claims["sub"].(string)
	if uid == "" {
		r.log.Warn().Msg("identity token missing sub claim")
		return nil, nil
	}

	return &AuthContext{
		Tenant:        uid,
		ProgramID:     "mobile",
		Capabilities:  capability.DefaultsFor("mobile"),
		EncryptionKey: crypto.DeriveKeyForIdentityToken(uid),
		IsIdentity:    true,
		RawUID:        uid,
	}, nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, rawKey string) (*AuthContext, error) {
	keyHash := crypto.HashKey(rawKey)

	var rec model.ApiKeyRecord
	cacheKey := "apikey:" + keyHash
	if !r.cache.GetJSON(ctx, cacheKey, &rec) {
		path := fmt.Sprintf("apiKeys/%s", keyHash)
		if err := r.store.Get(ctx, path, &rec); err != nil {
			if err == store.ErrNotFound {
				return nil, nil
			}
			return nil, fmt.Errorf("auth: api key lookup: %w", err)
		}
		r.cache.SetJSON(ctx, cacheKey, rec)
	}

	if !rec.Active || rec.RevokedAt != nil {
		return nil, nil
	}

	caps := rec.Capabilities
	if len(caps) == 0 {
		caps = capability.DefaultsFor(rec.ProgramID)
	}

	go r.touchLastUsed(keyHash)

	return &AuthContext{
		Tenant:        rec.Tenant,
		ProgramID:     rec.ProgramID,
		Capabilities:  caps,
		EncryptionKey: crypto.DeriveKeyForAPIKey(rawKey, keyHash),
		IsIdentity:    false,
		RawUID:        rec.Tenant,
	}, nil
}

// touchLastUsed fire-and-forget updates lastUsedAt. Errors are logged only.
func (r *Resolver) touchLastUsed(keyHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := fmt.Sprintf("apiKeys/%s", keyHash)
	if err := r.store.Set(ctx, path, []store.Op{store.ServerTimestamp("lastUsedAt")}); err != nil {
		r.log.Warn().Err(err).Str("keyHash", keyHash[:8]).Msg("failed to update lastUsedAt")
	}
}

// resolveCanonicalTenant looks up uid in the canonical-accounts index via
// an array-contains match on alternateUids. Returns "" if uid is not a
// known alternate (the caller's own uid is then used as-is).
func (r *Resolver) resolveCanonicalTenant(ctx context.Context, uid string) (string, error) {
	if uid == "" {
		return "", nil
	}
	docs, err := r.store.Query(ctx, store.Query{
		Collection: "canonical_accounts",
		Filters:    []store.Filter{{Field: "alternateUids", Op: "array-contains", Value: uid}},
		Limit:      1,
	})
	if err != nil {
		return "", fmt.Errorf("auth: canonical tenant lookup: %w", err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	canonicalUID, _ := docs[0].Data["canonicalUid"].(string)
	return canonicalUID, nil
}
