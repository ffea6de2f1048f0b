package repository

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServiceAccount is a backend service allowed to obtain a service credential.
type ServiceAccount struct {
	ID           uint   `gorm:"primaryKey"`
	ServiceName  string `gorm:"column:service_name;uniqueIndex;size:128;not null"`
	PasswordHash string `gorm:"column:password;size:256;not null"`
}

// TableName overrides the default table name.
func (ServiceAccount) TableName() string {
	return "services"
}

// ServiceAccountRepository persists service accounts.
type ServiceAccountRepository struct {
	base
}

// NewServiceAccountRepository creates a new repository instance.
func NewServiceAccountRepository(db *gorm.DB, logger *zap.Logger) *ServiceAccountRepository {
	return &ServiceAccountRepository{base: newBase(db, logger, "service_account_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *ServiceAccountRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ServiceAccount{})
}

// Save inserts the account or replaces the password of an existing one.
func (r *ServiceAccountRepository) Save(ctx context.Context, account *ServiceAccount) error {
	return r.executeWithRetry(ctx, "repository.save_service_account", account.ServiceName, func() error {
		var existing ServiceAccount
		err := r.db.WithContext(ctx).Where("service_name = ?", account.ServiceName).First(&existing).Error
		switch {
		case err == nil:
			account.ID = existing.ID
			return r.db.WithContext(ctx).Model(&existing).Update("password", account.PasswordHash).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return r.db.WithContext(ctx).Create(account).Error
		default:
			return err
		}
	})
}

// FindByName returns the account or ErrNotFound.
func (r *ServiceAccountRepository) FindByName(ctx context.Context, name string) (*ServiceAccount, error) {
	var account ServiceAccount
	err := r.executeWithRetry(ctx, "repository.find_service_account", name, func() error {
		return r.db.WithContext(ctx).Where("service_name = ?", name).First(&account).Error
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// List returns all accounts ordered by name.
func (r *ServiceAccountRepository) List(ctx context.Context) ([]ServiceAccount, error) {
	var accounts []ServiceAccount
	err := r.executeWithRetry(ctx, "repository.list_service_accounts", "", func() error {
		accounts = accounts[:0]
		return r.db.WithContext(ctx).Order("service_name").Find(&accounts).Error
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// Delete removes the account or returns ErrNotFound.
func (r *ServiceAccountRepository) Delete(ctx context.Context, name string) error {
	return r.executeWithRetry(ctx, "repository.delete_service_account", name, func() error {
		result := r.db.WithContext(ctx).Where("service_name = ?", name).Delete(&ServiceAccount{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
