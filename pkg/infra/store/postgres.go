package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ratefence/ratefence/pkg/domain/ratelimit"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresConfig holds the database connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// LimitRecord is the persisted row for one limit window. ExpiresAt stands in
// for the TTL postgres cannot express natively: expired rows read as absent.
type LimitRecord struct {
	Key       string    `gorm:"primaryKey;column:key"`
	Payload   string    `gorm:"column:payload"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (LimitRecord) TableName() string {
	return "rate_limit_state"
}

// PostgresStore persists limit state in a single postgres table, for fleets
// that already run postgres but no redis.
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPostgresDB opens the connection, tunes the pool and migrates the state
// table.
func NewPostgresDB(logger *logrus.Logger, cfg PostgresConfig) (*gorm.DB, error) {
	logger.WithFields(logrus.Fields{
		"host":    cfg.Host,
		"port":    cfg.Port,
		"db":      cfg.DBName,
		"user":    cfg.User,
		"sslmode": cfg.SSLMode,
	}).Info("connecting to database")

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(60 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := gormDB.AutoMigrate(&LimitRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate rate limit state table: %w", err)
	}

	return gormDB, nil
}

// NewPostgresStore wraps an open gorm connection.
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: time.Now,
	}
}

// WithNow overrides the store clock used for row-expiry checks.
func (s *PostgresStore) WithNow(now func() time.Time) *PostgresStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	var record LimitRecord
	if err := s.db.WithContext(ctx).
		Where("key = ?", key).
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ratelimit.ErrNoState
		}
		return "", err
	}
	if !record.ExpiresAt.IsZero() && s.now().After(record.ExpiresAt) {
		// Reap the rolled-over window; a failed delete only delays the reap.
		s.db.WithContext(ctx).Where("key = ?", key).Delete(&LimitRecord{})
		return "", ratelimit.ErrNoState
	}
	return record.Payload, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	record := LimitRecord{
		Key:       key,
		Payload:   value,
		UpdatedAt: s.now(),
	}
	if ttl > 0 {
		record.ExpiresAt = s.now().Add(ttl)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at", "updated_at"}),
	}).Create(&record).Error
}

// PurgeExpired deletes every rolled-over row. The daemon runs this
// periodically so abandoned limit names do not accumulate.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at > ? AND expires_at < ?", time.Time{}, s.now()).
		Delete(&LimitRecord{})
	return result.RowsAffected, result.Error
}

// RunPurgeLoop purges rolled-over rows every interval until ctx is cancelled.
// Purge failures are logged and retried on the next tick.
func (s *PostgresStore) RunPurgeLoop(ctx context.Context, interval time.Duration, logger *logrus.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			purged, err := s.PurgeExpired(ctx)
			if err != nil {
				logger.WithError(err).Warn("failed to purge expired limit state")
				continue
			}
			if purged > 0 {
				logger.WithField("rows", purged).Debug("purged expired limit state")
			}
		}
	}
}
