//go:build integration

package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/config"
	"github.com/erp/verifactu/internal/infrastructure/migration"
	"github.com/erp/verifactu/migrations"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
)

// newPostgresLedger starts a throwaway PostgreSQL, applies the embedded
// migrations and returns a ledger on it.
func newPostgresLedger(t *testing.T) *GormLedger {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("verifactu_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	db, err := OpenDatabase(postgres.Open(dsn), &config.DatabaseConfig{MaxOpenConns: 5, MaxIdleConns: 2, LogLevel: "warn"}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	m, err := migration.New(sqlDB, migrations.FS, log)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	return NewGormLedger(db.DB)
}

func TestGormLedger_Postgres(t *testing.T) {
	ledger := newPostgresLedger(t)
	runLedgerContract(t, func(t *testing.T) fiscal.Ledger {
		require.NoError(t, ledger.db.Exec("TRUNCATE fiscal_submissions, fiscal_batches, fiscal_chain_states, fiscal_chain_halts").Error)
		return ledger
	})
}
