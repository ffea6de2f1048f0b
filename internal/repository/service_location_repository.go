package repository

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServiceLocation maps a logical service name to its network location.
type ServiceLocation struct {
	ID             uint   `gorm:"primaryKey"`
	ServiceName    string `gorm:"column:service_name;uniqueIndex;size:128;not null"`
	ServiceAddress string `gorm:"column:service_address;size:256;not null"`
	ServicePort    int    `gorm:"column:service_port;not null;check:service_port > 0 AND service_port < 65536"`
}

// TableName overrides the default table name.
func (ServiceLocation) TableName() string {
	return "services_discovery_data"
}

// ServiceLocationRepository persists service locations.
type ServiceLocationRepository struct {
	base
}

// NewServiceLocationRepository creates a new repository instance.
func NewServiceLocationRepository(db *gorm.DB, logger *zap.Logger) *ServiceLocationRepository {
	return &ServiceLocationRepository{base: newBase(db, logger, "service_location_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *ServiceLocationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ServiceLocation{})
}

// Upsert inserts the location or updates address and port of an existing name.
func (r *ServiceLocationRepository) Upsert(ctx context.Context, location *ServiceLocation) error {
	return r.executeWithRetry(ctx, "repository.upsert_service_location", location.ServiceName, func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"service_address", "service_port"}),
		}).Create(location).Error
	})
}

// FindByName returns the location registered under name or ErrNotFound.
func (r *ServiceLocationRepository) FindByName(ctx context.Context, name string) (*ServiceLocation, error) {
	var location ServiceLocation
	err := r.executeWithRetry(ctx, "repository.find_service_location", name, func() error {
		return r.db.WithContext(ctx).Where("service_name = ?", name).First(&location).Error
	})
	if err != nil {
		return nil, err
	}
	return &location, nil
}

// FindByNames returns every location whose name is in names. Unknown names are
// simply absent from the result.
func (r *ServiceLocationRepository) FindByNames(ctx context.Context, names []string) ([]ServiceLocation, error) {
	var locations []ServiceLocation
	if len(names) == 0 {
		return locations, nil
	}
	err := r.executeWithRetry(ctx, "repository.find_service_locations", "", func() error {
		locations = locations[:0]
		return r.db.WithContext(ctx).Where("service_name IN ?", names).Find(&locations).Error
	})
	if err != nil {
		return nil, err
	}
	return locations, nil
}

// List returns every registered location ordered by name.
func (r *ServiceLocationRepository) List(ctx context.Context) ([]ServiceLocation, error) {
	var locations []ServiceLocation
	err := r.executeWithRetry(ctx, "repository.list_service_locations", "", func() error {
		locations = locations[:0]
		return r.db.WithContext(ctx).Order("service_name").Find(&locations).Error
	})
	if err != nil {
		return nil, err
	}
	return locations, nil
}

// Delete removes the location registered under name. Deleting an unknown name
// returns ErrNotFound.
func (r *ServiceLocationRepository) Delete(ctx context.Context, name string) error {
	return r.executeWithRetry(ctx, "repository.delete_service_location", name, func() error {
		result := r.db.WithContext(ctx).Where("service_name = ?", name).Delete(&ServiceLocation{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
