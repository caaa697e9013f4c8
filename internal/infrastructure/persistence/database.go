package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/verifactu/internal/infrastructure/config"
	"github.com/erp/verifactu/internal/infrastructure/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Database owns the ledger's connection pool
type Database struct {
	DB *gorm.DB
}

// NewDatabase opens the postgres connection described by cfg. SQL is logged
// through zapLogger at cfg.LogLevel.
func NewDatabase(cfg *config.DatabaseConfig, zapLogger *zap.Logger) (*Database, error) {
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	return OpenDatabase(postgres.Open(cfg.DSN()), cfg, zapLogger)
}

// OpenDatabase opens a connection through an arbitrary dialector and applies
// the pool settings from cfg.
func OpenDatabase(dialector gorm.Dialector, cfg *config.DatabaseConfig, zapLogger *zap.Logger) (*Database, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newGormLogger(cfg, zapLogger),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Database{DB: db}, nil
}

func newGormLogger(cfg *config.DatabaseConfig, zapLogger *zap.Logger) *logger.GormLogger {
	threshold := time.Duration(max(cfg.SlowQueryMS, 0)) * time.Millisecond
	return logger.NewGormLogger(zapLogger, logger.MapGormLogLevel(cfg.LogLevel),
		logger.WithSlowThreshold(threshold),
		logger.WithSQLText(cfg.LogSQL),
	)
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks that the connection is alive within ctx's deadline
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// StatsCollector exports the connection pool statistics, labelled with
// dbName, as Prometheus metrics
func (d *Database) StatsCollector(dbName string) (prometheus.Collector, error) {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return collectors.NewDBStatsCollector(sqlDB, dbName), nil
}
