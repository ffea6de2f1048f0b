// Package bootstrap blocks a starting service until its peers answer: the
// identity broker hands out the service credential and the registry resolves
// every required peer.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/httpclient"
	"github.com/example/face-pipeline/internal/registry"
)

// RetryConfig controls the startup retry loop. Attempts are spaced by a fixed
// Interval with no jitter. MaxAttempts of zero retries until ctx is done.
type RetryConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultRetryConfig retries every five seconds without bound.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Interval: 5 * time.Second}
}

// ErrAttemptsExhausted is returned when MaxAttempts is reached.
var ErrAttemptsExhausted = errors.New("bootstrap: retry attempts exhausted")

// CredentialSource obtains a service credential.
type CredentialSource interface {
	ObtainCredential(ctx context.Context, name, secret string) (httpclient.Credential, error)
}

// Locator resolves service names.
type Locator interface {
	Locate(ctx context.Context, names []string) (registry.LookupResult, error)
}

// Identity is the credential of the running service. It is built once at
// startup and only read afterwards.
type Identity struct {
	name       string
	credential httpclient.Credential
}

// NewIdentity wraps a credential obtained for name.
func NewIdentity(name string, credential httpclient.Credential) *Identity {
	return &Identity{name: name, credential: credential}
}

// Name is the service name the credential was issued for.
func (i *Identity) Name() string { return i.name }

// Token returns the bearer token for outgoing calls.
func (i *Identity) Token() string { return i.credential.BearerToken }

// SigningSecret returns the secret used to verify incoming service tokens.
func (i *Identity) SigningSecret() string { return i.credential.SigningSecret }

// Obtain asks the identity broker for a credential until it succeeds.
func Obtain(ctx context.Context, source CredentialSource, name, secret string, cfg RetryConfig, logger *zap.Logger) (*Identity, error) {
	var credential httpclient.Credential
	err := retry(ctx, cfg, logger.With(zap.String("step", "obtain_credential")), func() error {
		var err error
		credential, err = source.ObtainCredential(ctx, name, secret)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info("obtained service credential", zap.String("service_name", name))
	return NewIdentity(name, credential), nil
}

// Resolve looks names up until every one of them is found.
func Resolve(ctx context.Context, locator Locator, names []string, cfg RetryConfig, logger *zap.Logger) (map[string]registry.ServiceLocation, error) {
	var found map[string]registry.ServiceLocation
	err := retry(ctx, cfg, logger.With(zap.String("step", "resolve_services")), func() error {
		result, err := locator.Locate(ctx, names)
		if err != nil {
			return err
		}
		var missing []string
		for _, name := range names {
			if _, ok := result.Found[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("services not registered: %s", strings.Join(missing, ", "))
		}
		found = result.Found
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("resolved peer services", zap.Strings("service_names", names))
	return found, nil
}

func retry(ctx context.Context, cfg RetryConfig, logger *zap.Logger, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			logger.Error("giving up", zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, attempt, err)
		}
		logger.Warn("peer not ready, retrying", zap.Int("attempt", attempt), zap.Duration("interval", cfg.Interval), zap.Error(err))

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
