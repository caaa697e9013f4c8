package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type tracedChainState struct {
	EntityID     string `gorm:"primaryKey;size:64"`
	PreviousHash string `gorm:"size:64"`
	Sequence     int64
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tracedChainState{}))
	return db
}

func TestRegisterDBTracing_Disabled(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, RegisterDBTracing(db, DBTracingConfig{Enabled: false}, nil))
	_, ok := db.Config.Plugins["otelgorm"]
	assert.False(t, ok)
}

func TestRegisterDBTracing_RecordsQuerySpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	db := setupTestDB(t)
	require.NoError(t, RegisterDBTracing(db, DBTracingConfig{Enabled: true, DBSystem: "sqlite"}, zap.NewNop()))

	ctx := context.Background()
	require.NoError(t, db.WithContext(ctx).Create(&tracedChainState{EntityID: "B12345678", Sequence: 1}).Error)

	var got tracedChainState
	require.NoError(t, db.WithContext(ctx).First(&got, "entity_id = ?", "B12345678").Error)
	assert.Equal(t, int64(1), got.Sequence)

	assert.NotEmpty(t, sr.Ended())
}
