package telemetry

import (
	"errors"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBTracingConfig holds configuration for ledger database tracing
type DBTracingConfig struct {
	Enabled bool
	// DBSystem is reported as db.system (default "postgresql")
	DBSystem string
	// IncludeVariables puts bound query values into spans. Never enable it
	// in production: record fields are tax data.
	IncludeVariables bool
}

// RegisterDBTracing installs the otelgorm plugin on db, plus a callback that
// tags ledger query spans with the table and affected row count.
func RegisterDBTracing(db *gorm.DB, cfg DBTracingConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Debug("Database tracing disabled, skipping otelgorm registration")
		return nil
	}

	system := cfg.DBSystem
	if system == "" {
		system = "postgresql"
	}
	opts := []otelgorm.Option{otelgorm.WithDBName(system)}
	if !cfg.IncludeVariables {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}

	cb := db.Callback()
	registrations := []struct {
		name     string
		register func(string, func(*gorm.DB)) error
	}{
		{"ledger_span:create", cb.Create().After("gorm:create").Register},
		{"ledger_span:query", cb.Query().After("gorm:query").Register},
		{"ledger_span:update", cb.Update().After("gorm:update").Register},
		{"ledger_span:raw", cb.Raw().After("gorm:raw").Register},
	}
	for _, r := range registrations {
		if err := r.register(r.name, annotateLedgerSpan); err != nil {
			return err
		}
	}

	logger.Info("Database tracing enabled",
		zap.String("db_system", system),
		zap.Bool("include_variables", cfg.IncludeVariables),
	)
	return nil
}

func annotateLedgerSpan(db *gorm.DB) {
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if db.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
	}
	if db.Statement.RowsAffected >= 0 {
		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
	}
	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		RecordError(span, db.Error)
	}
}
