package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/accounts"
	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/cache"
	"github.com/example/face-pipeline/internal/logging"
)

const revokedKeyPrefix = "gateway:revoked:"

// UserDirectory is the user identity service as seen by the gateway.
type UserDirectory interface {
	Register(ctx context.Context, login, password string) error
	VerifyCredentials(ctx context.Context, login, password string) (accounts.Identity, error)
}

// Revocations keeps logged out token ids in Redis until they would have
// expired anyway.
type Revocations struct {
	cache   cache.Cache
	retrier cache.Retrier
	now     func() time.Time
}

// NewRevocations builds a revocation list on c.
func NewRevocations(c cache.Cache, logger *zap.Logger) *Revocations {
	return &Revocations{
		cache:   c,
		retrier: cache.DefaultRetrier(logger.Named("revocations")),
		now:     time.Now,
	}
}

// Revoke records the token id of claims. Tokens that already expired are
// ignored, as is everything on a nil list.
func (r *Revocations) Revoke(ctx context.Context, claims *auth.UserClaims) error {
	if r == nil {
		return nil
	}
	ttl := claims.Remaining(r.now())
	if ttl <= 0 || claims.ID == "" {
		return nil
	}
	return r.retrier.Do(ctx, claims.ID, "cache.set.revoked", func() error {
		return r.cache.Set(ctx, revokedKeyPrefix+claims.ID, "1", ttl)
	})
}

// IsRevoked implements auth.RevocationChecker.
func (r *Revocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if r == nil || tokenID == "" {
		return false, nil
	}
	_, err := r.retrier.Get(ctx, r.cache, tokenID, "cache.get.revoked", revokedKeyPrefix+tokenID)
	if errors.Is(err, cache.ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Accounts is the gateway's end-user façade. Credential checks are delegated
// to the user identity service; tokens are issued here under the user key.
type Accounts struct {
	users       UserDirectory
	tokens      *auth.UserTokens
	revocations *Revocations
	logger      *zap.Logger
}

// NewAccounts constructs the façade.
func NewAccounts(users UserDirectory, tokens *auth.UserTokens, revocations *Revocations, logger *zap.Logger) *Accounts {
	return &Accounts{users: users, tokens: tokens, revocations: revocations, logger: logger.Named("accounts")}
}

// Register forwards a registration.
func (a *Accounts) Register(ctx context.Context, login, password string) error {
	if err := a.users.Register(ctx, login, password); err != nil {
		a.logger.Info("registration rejected", zap.String("login", login), zap.Error(err))
		return err
	}
	a.logger.Info("user registered", zap.String("login", login))
	return nil
}

// Login verifies credentials and issues an access and refresh token.
func (a *Accounts) Login(ctx context.Context, login, password string) (auth.TokenPair, error) {
	identity, err := a.users.VerifyCredentials(ctx, login, password)
	if err != nil {
		return auth.TokenPair{}, err
	}
	pair, err := a.tokens.IssuePair(auth.UserProtected, identity.Login, identity.AccessLevel)
	if err != nil {
		return auth.TokenPair{}, logging.NewOperationError("usecase.issue_tokens", "", err)
	}
	return pair, nil
}

// Refresh issues a new access token from verified refresh claims. The key
// class of the refresh token is kept.
func (a *Accounts) Refresh(claims *auth.UserClaims) (auth.TokenPair, error) {
	access, err := a.tokens.Issue(claims.Class, auth.AccessToken, claims.Login(), claims.AccessLevel)
	if err != nil {
		return auth.TokenPair{}, logging.NewOperationError("usecase.refresh_token", "", err)
	}
	return auth.TokenPair{AccessToken: access}, nil
}

// Logout revokes the token described by claims.
func (a *Accounts) Logout(ctx context.Context, claims *auth.UserClaims) error {
	if err := a.revocations.Revoke(ctx, claims); err != nil {
		a.logger.Error("revocation failed", zap.String("login", claims.Login()), zap.Error(err))
		return err
	}
	a.logger.Info("token revoked", zap.String("login", claims.Login()), zap.String("kind", string(claims.Kind)))
	return nil
}
