package repository

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDuplicate is returned when a unique column already holds the value.
var ErrDuplicate = errors.New("record already exists")

// UserAccount is an end user of the gateway.
type UserAccount struct {
	ID           uint   `gorm:"primaryKey"`
	Login        string `gorm:"column:login;uniqueIndex;size:128;not null"`
	PasswordHash string `gorm:"column:password;size:256;not null"`
	AccessLevel  int    `gorm:"column:access_level;not null;default:1"`
}

// TableName overrides the default table name.
func (UserAccount) TableName() string {
	return "users"
}

// UserAccountRepository persists end-user accounts.
type UserAccountRepository struct {
	base
}

// NewUserAccountRepository creates a new repository instance.
func NewUserAccountRepository(db *gorm.DB, logger *zap.Logger) *UserAccountRepository {
	return &UserAccountRepository{base: newBase(db, logger, "user_account_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *UserAccountRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&UserAccount{})
}

// Create inserts a new account. A taken login yields ErrDuplicate.
func (r *UserAccountRepository) Create(ctx context.Context, account *UserAccount) error {
	return r.executeWithRetry(ctx, "repository.create_user", account.Login, func() error {
		err := r.db.WithContext(ctx).Create(account).Error
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
}

// FindByLogin returns the account or ErrNotFound.
func (r *UserAccountRepository) FindByLogin(ctx context.Context, login string) (*UserAccount, error) {
	var account UserAccount
	err := r.executeWithRetry(ctx, "repository.find_user", login, func() error {
		return r.db.WithContext(ctx).Where("login = ?", login).First(&account).Error
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// UpdateAccessLevel sets the access level of login.
func (r *UserAccountRepository) UpdateAccessLevel(ctx context.Context, login string, level int) error {
	return r.executeWithRetry(ctx, "repository.update_user_level", login, func() error {
		result := r.db.WithContext(ctx).Model(&UserAccount{}).Where("login = ?", login).Update("access_level", level)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// Delete removes the account or returns ErrNotFound.
func (r *UserAccountRepository) Delete(ctx context.Context, login string) error {
	return r.executeWithRetry(ctx, "repository.delete_user", login, func() error {
		result := r.db.WithContext(ctx).Where("login = ?", login).Delete(&UserAccount{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// SQLSTATE 23505 from pgx.
	return strings.Contains(err.Error(), "23505")
}
