package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/logging"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Open connects to Postgres and tunes the pool the way every service expects.
func Open(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// base carries the pieces shared by every repository.
type base struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newBase(db *gorm.DB, logger *zap.Logger, name string) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		db:             db,
		logger:         logger.Named(name),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// executeWithRetry runs fn and retries transient database errors.
func (b *base) executeWithRetry(ctx context.Context, operation, key string, fn func() error) error {
	backoff := b.initialBackoff
	opLogger := logging.WithOperation(b.logger, operation, key)

	var err error
	for attempt := 0; attempt < max(b.retryAttempts, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, key, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= b.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, key, ErrNotFound)
		}
		if !failure.IsTransient(err) {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, key, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, key, err)
}
