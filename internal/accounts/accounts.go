// Package accounts manages end-user accounts and their access levels.
package accounts

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

// Level is an end-user access level.
type Level int

const (
	// AsyncUser may use the asynchronous pipeline.
	AsyncUser Level = 1
	// SyncUser may also use the synchronous pipeline.
	SyncUser Level = 2
	// Admin may manage other accounts.
	Admin Level = 3
	// SuperUser is reserved for the bootstrap root account.
	SuperUser Level = 4
)

// Identity is what a successful credential check returns.
type Identity struct {
	Login       string `json:"login"`
	AccessLevel int    `json:"access_level"`
}

// Repository defines the persistence operations needed by the service.
type Repository interface {
	Create(ctx context.Context, account *repository.UserAccount) error
	FindByLogin(ctx context.Context, login string) (*repository.UserAccount, error)
	UpdateAccessLevel(ctx context.Context, login string, level int) error
	Delete(ctx context.Context, login string) error
}

// Service implements registration, credential checks and admin operations.
type Service struct {
	repo   Repository
	tokens *auth.UserTokens
	logger *zap.Logger
}

// NewService constructs an account service. tokens sign admin sessions.
func NewService(repo Repository, tokens *auth.UserTokens, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		tokens: tokens,
		logger: logger.Named("accounts"),
	}
}

// Register creates a level 1 account.
func (s *Service) Register(ctx context.Context, login, password string) error {
	login = strings.TrimSpace(login)
	if err := validateCredentials(login, password); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	err = s.repo.Create(ctx, &repository.UserAccount{Login: login, PasswordHash: hash, AccessLevel: int(AsyncUser)})
	if errors.Is(err, repository.ErrDuplicate) {
		return failure.Conflict("User with given login already exists.")
	}
	if err != nil {
		logging.WithOperation(s.logger, "accounts.register", login).Error("failed to create account", zap.Error(err))
		return err
	}
	return nil
}

// VerifyCredentials returns the identity behind login and password.
func (s *Service) VerifyCredentials(ctx context.Context, login, password string) (Identity, error) {
	account, err := s.check(ctx, login, password)
	if err != nil {
		return Identity{}, err
	}
	if account == nil {
		return Identity{}, failure.Forbidden("Login try failed.")
	}
	return Identity{Login: account.Login, AccessLevel: account.AccessLevel}, nil
}

// AdminLogin issues admin-class tokens for accounts at admin level or above.
func (s *Service) AdminLogin(ctx context.Context, login, password string) (auth.TokenPair, error) {
	account, err := s.check(ctx, login, password)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if account == nil || Level(account.AccessLevel) < Admin {
		return auth.TokenPair{}, failure.Unauthorized("Admin mode login failed.")
	}
	return s.tokens.IssuePair(auth.AdminProtected, account.Login, account.AccessLevel)
}

// Refresh issues a new access token for verified refresh claims, keeping
// their key class and level.
func (s *Service) Refresh(claims *auth.UserClaims) (auth.TokenPair, error) {
	access, err := s.tokens.Issue(claims.Class, auth.AccessToken, claims.Login(), claims.AccessLevel)
	if err != nil {
		return auth.TokenPair{}, err
	}
	return auth.TokenPair{AccessToken: access}, nil
}

// ChangeAccessLevel sets login to level on behalf of an admin at adminLevel.
func (s *Service) ChangeAccessLevel(ctx context.Context, adminLevel int, login string, level int) error {
	if Level(level) < AsyncUser || Level(level) > Admin {
		return failure.Invalid(fmt.Sprintf("Access level must be integer from range <%d;%d>", AsyncUser, Admin))
	}
	if _, err := s.controllable(ctx, adminLevel, login); err != nil {
		return err
	}
	if err := s.repo.UpdateAccessLevel(ctx, login, level); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errCannotModify
		}
		return err
	}
	s.logger.Info("access level changed", zap.String("login", login), zap.Int("access_level", level))
	return nil
}

// Delete removes login on behalf of an admin at adminLevel.
func (s *Service) Delete(ctx context.Context, adminLevel int, login string) error {
	if _, err := s.controllable(ctx, adminLevel, login); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, login); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errCannotModify
		}
		return err
	}
	s.logger.Info("account deleted", zap.String("login", login))
	return nil
}

// Bootstrap creates the super user if it does not exist yet.
func (s *Service) Bootstrap(ctx context.Context, login, password string) error {
	login = strings.TrimSpace(login)
	if err := validateCredentials(login, password); err != nil {
		return err
	}
	if _, err := s.repo.FindByLogin(ctx, login); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	err = s.repo.Create(ctx, &repository.UserAccount{Login: login, PasswordHash: hash, AccessLevel: int(SuperUser)})
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return err
	}
	s.logger.Info("super user ensured", zap.String("login", login))
	return nil
}

var errCannotModify = failure.Invalid("User does not exist or cannot be modify.")

func (s *Service) controllable(ctx context.Context, adminLevel int, login string) (*repository.UserAccount, error) {
	account, err := s.repo.FindByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errCannotModify
		}
		return nil, err
	}
	if adminLevel < account.AccessLevel {
		return nil, errCannotModify
	}
	return account, nil
}

// check returns nil without error when the credentials do not match.
func (s *Service) check(ctx context.Context, login, password string) (*repository.UserAccount, error) {
	login = strings.TrimSpace(login)
	if err := validateCredentials(login, password); err != nil {
		return nil, err
	}
	account, err := s.repo.FindByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if auth.VerifyPassword(account.PasswordHash, password) != nil {
		return nil, nil
	}
	return account, nil
}

func validateCredentials(login, password string) error {
	if login == "" {
		return failure.Invalid("Field \"login\" must be specified in this request.")
	}
	if password == "" {
		return failure.Invalid("Field \"password\" must be specified in this request.")
	}
	if strings.ContainsAny(login, "/\\") || login == "." || login == ".." {
		return failure.Invalid("Login contains forbidden characters.")
	}
	return nil
}
