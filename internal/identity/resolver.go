// Package identity resolves the Jemzy user behind a session token.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jemzy/jemzy-views/internal/jemzyapi"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL             = 30 * time.Second
	defaultCleanupInterval = time.Minute
)

var (
	// ErrIdentityMismatch means the upstream user differs from the session subject.
	ErrIdentityMismatch = errors.New("identity: upstream user does not match session")
	errMissingSource    = errors.New("identity: user source is required")
	noOpLogger          = zap.NewNop()
)

// UserSource fetches the current user for a token. *jemzyapi.Client satisfies it.
type UserSource interface {
	CurrentUser(ctx context.Context, token string) (jemzyapi.CurrentUser, error)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Source UserSource
	TTL    time.Duration
	Logger *zap.Logger
}

// Resolver deduplicates concurrent lookups for the same token and remembers the
// answer for TTL.
type Resolver struct {
	source UserSource
	cache  *gocache.Cache
	group  singleflight.Group
	ttl    time.Duration
	logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{
		source: cfg.Source,
		cache:  gocache.New(ttl, defaultCleanupInterval),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Resolve returns the user behind token. When expectedID is not empty the
// resolved user must carry it.
func (r *Resolver) Resolve(ctx context.Context, token, expectedID string) (jemzyapi.CurrentUser, error) {
	cacheKey := fingerprint(token)
	if cached, found := r.cache.Get(cacheKey); found {
		return r.check(cached.(jemzyapi.CurrentUser), expectedID)
	}

	result, err, shared := r.group.Do(cacheKey, func() (any, error) {
		user, err := r.source.CurrentUser(ctx, token)
		if err != nil {
			return jemzyapi.CurrentUser{}, err
		}
		r.cache.Set(cacheKey, user, r.ttl)
		return user, nil
	})
	if err != nil {
		r.logger.Warn("identity lookup failed", zap.Bool("shared", shared), zap.Error(err))
		return jemzyapi.CurrentUser{}, err
	}
	return r.check(result.(jemzyapi.CurrentUser), expectedID)
}

// Forget drops the cached identity for token.
func (r *Resolver) Forget(token string) {
	r.cache.Delete(fingerprint(token))
}

func (r *Resolver) check(user jemzyapi.CurrentUser, expectedID string) (jemzyapi.CurrentUser, error) {
	if expectedID != "" && user.ID != expectedID {
		return jemzyapi.CurrentUser{}, fmt.Errorf("%w: session %s, upstream %s", ErrIdentityMismatch, expectedID, user.ID)
	}
	return user, nil
}

// Tokens are not kept in memory verbatim.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
