// Package identity authenticates backend services and hands out the
// credential they use for service-to-service calls.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/logging"
	"github.com/example/face-pipeline/internal/repository"
)

// ErrUnauthorized is returned for an unknown service or a wrong secret.
var ErrUnauthorized = failure.Unauthorized("Service login failed.")

// Credential is the service credential returned by Issue.
type Credential struct {
	BearerToken   string `json:"service_access_token"`
	SigningSecret string `json:"token_secret"`
}

// ServiceAccount is an entry of a bulk-load file.
type ServiceAccount struct {
	ServiceName string `yaml:"service_name" json:"service_name"`
	Password    string `yaml:"password" json:"password"`
}

// Repository defines the persistence operations needed by the broker.
type Repository interface {
	Save(ctx context.Context, account *repository.ServiceAccount) error
	FindByName(ctx context.Context, name string) (*repository.ServiceAccount, error)
	List(ctx context.Context) ([]repository.ServiceAccount, error)
	Delete(ctx context.Context, name string) error
}

// Broker validates service secrets and issues credentials.
type Broker struct {
	repo   Repository
	tokens *auth.ServiceTokens
	logger *zap.Logger
}

// NewBroker constructs a broker that signs with tokens.
func NewBroker(repo Repository, tokens *auth.ServiceTokens, logger *zap.Logger) *Broker {
	return &Broker{
		repo:   repo,
		tokens: tokens,
		logger: logger.Named("identity_broker"),
	}
}

// Issue validates secret against the stored hash for name. Any mismatch,
// including an unknown name, yields ErrUnauthorized.
func (b *Broker) Issue(ctx context.Context, name, secret string) (Credential, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Credential{}, failure.Invalid("Field \"service_name\" must be specified in this request.")
	}
	if secret == "" {
		return Credential{}, failure.Invalid("Field \"password\" must be specified in this request.")
	}
	opLogger := logging.WithOperation(b.logger, "identity.issue", name)

	account, err := b.repo.FindByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			opLogger.Warn("unknown service requested a credential")
			return Credential{}, ErrUnauthorized
		}
		opLogger.Error("failed to load service account", zap.Error(err))
		return Credential{}, err
	}
	if err := auth.VerifyPassword(account.PasswordHash, secret); err != nil {
		opLogger.Warn("service secret mismatch")
		return Credential{}, ErrUnauthorized
	}

	token, err := b.tokens.Issue(name)
	if err != nil {
		return Credential{}, logging.NewOperationError("identity.issue", name, err)
	}
	opLogger.Info("service credential issued")
	return Credential{BearerToken: token, SigningSecret: string(b.tokens.Secret)}, nil
}

// AddService stores name with a hash of password, replacing any previous
// secret.
func (b *Broker) AddService(ctx context.Context, name, password string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return failure.Invalid("Service name must not be empty.")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return failure.Wrap(failure.KindValidation, "Password must not be empty.", err)
	}
	if err := b.repo.Save(ctx, &repository.ServiceAccount{ServiceName: name, PasswordHash: hash}); err != nil {
		b.logger.Error("failed to save service account", zap.String("service_name", name), zap.Error(err))
		return err
	}
	return nil
}

// DeleteService removes name.
func (b *Broker) DeleteService(ctx context.Context, name string) error {
	if err := b.repo.Delete(ctx, name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return failure.NotFound(fmt.Sprintf("Service %s does not exist.", name))
		}
		return err
	}
	return nil
}

// ListServices returns every known service name.
func (b *Broker) ListServices(ctx context.Context) ([]string, error) {
	accounts, err := b.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(accounts))
	for _, account := range accounts {
		names = append(names, account.ServiceName)
	}
	return names, nil
}

// Load adds every account and returns the number stored.
func (b *Broker) Load(ctx context.Context, accounts []ServiceAccount) (int, error) {
	stored := 0
	var errs []error
	for _, account := range accounts {
		if err := b.AddService(ctx, account.ServiceName, account.Password); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", account.ServiceName, err))
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}
