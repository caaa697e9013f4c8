package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func newObservedGormLogger(level gormlogger.LogLevel, opts ...GormLoggerOption) (*GormLogger, *observer.ObservedLogs) {
	core, recorded := observer.New(zapcore.DebugLevel)
	return NewGormLogger(zap.New(core), level, opts...), recorded
}

func selectChainState() (string, int64) {
	return "SELECT * FROM fiscal_chain_states WHERE entity_id = 'B12345678'", 1
}

func TestGormLogger_Options(t *testing.T) {
	gl, _ := newObservedGormLogger(gormlogger.Warn, WithSlowThreshold(time.Second), WithSQLText(true))
	assert.Equal(t, time.Second, gl.slowThreshold)
	assert.True(t, gl.logSQL)

	switched, ok := gl.LogMode(gormlogger.Info).(*GormLogger)
	require.True(t, ok)
	assert.Equal(t, gormlogger.Info, switched.logLevel)
	assert.Equal(t, gormlogger.Warn, gl.logLevel)

	defaults, _ := newObservedGormLogger(gormlogger.Warn)
	assert.Equal(t, DefaultSlowQueryThreshold, defaults.slowThreshold)
	assert.False(t, defaults.logSQL)
}

func TestGormLogger_Messages(t *testing.T) {
	gl, recorded := newObservedGormLogger(gormlogger.Warn)
	ctx := context.WithValue(context.Background(), entityIDKey, "B12345678")

	gl.Info(ctx, "hidden %d", 1)
	gl.Warn(ctx, "warned %d", 2)
	gl.Error(ctx, "failed %d", 3)

	entries := recorded.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "warned 2", entries[0].Message)
	assert.Equal(t, "failed 3", entries[1].Message)
	assert.Equal(t, "B12345678", entries[1].ContextMap()["entity_id"])
}

func TestGormLogger_Trace(t *testing.T) {
	tests := []struct {
		name    string
		level   gormlogger.LogLevel
		begin   time.Time
		err     error
		opts    []GormLoggerOption
		wantMsg string
		wantLvl zapcore.Level
	}{
		{name: "query", level: gormlogger.Info, begin: time.Now(), wantMsg: "SQL statement", wantLvl: zapcore.DebugLevel},
		{name: "error", level: gormlogger.Error, begin: time.Now(), err: errors.New("boom"), wantMsg: "SQL statement failed", wantLvl: zapcore.ErrorLevel},
		{name: "slow", level: gormlogger.Warn, begin: time.Now().Add(-time.Second), opts: []GormLoggerOption{WithSlowThreshold(10 * time.Millisecond)}, wantMsg: "Slow SQL statement", wantLvl: zapcore.WarnLevel},
		{name: "slow warnings disabled", level: gormlogger.Warn, begin: time.Now().Add(-time.Second), opts: []GormLoggerOption{WithSlowThreshold(0)}},
		{name: "record not found ignored", level: gormlogger.Error, begin: time.Now(), err: gormlogger.ErrRecordNotFound},
		{name: "silent", level: gormlogger.Silent, begin: time.Now(), err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gl, recorded := newObservedGormLogger(tt.level, tt.opts...)
			gl.Trace(context.Background(), tt.begin, selectChainState, tt.err)

			if tt.wantMsg == "" {
				assert.Zero(t, recorded.Len())
				return
			}
			require.Equal(t, 1, recorded.Len())
			assert.Equal(t, tt.wantMsg, recorded.All()[0].Message)
			assert.Equal(t, tt.wantLvl, recorded.All()[0].Level)
		})
	}
}

func TestGormLogger_Trace_Fields(t *testing.T) {
	ctx := context.WithValue(context.Background(), requestIDKey, "req-1")
	ctx = context.WithValue(ctx, entityIDKey, "B12345678")

	t.Run("redacted", func(t *testing.T) {
		gl, recorded := newObservedGormLogger(gormlogger.Info)
		gl.Trace(ctx, time.Now(), selectChainState, nil)

		require.Equal(t, 1, recorded.Len())
		fields := recorded.All()[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "B12345678", fields["entity_id"])
		assert.Equal(t, int64(1), fields["rows"])
		assert.Equal(t, "SELECT", fields["statement"])
		assert.Equal(t, "fiscal_chain_states", fields["table"])
		assert.NotContains(t, fields, "sql")
	})

	t.Run("with sql text", func(t *testing.T) {
		gl, recorded := newObservedGormLogger(gormlogger.Info, WithSQLText(true))
		gl.Trace(ctx, time.Now(), selectChainState, nil)

		require.Equal(t, 1, recorded.Len())
		sql, _ := selectChainState()
		assert.Equal(t, sql, recorded.All()[0].ContextMap()["sql"])
	})
}

func TestDescribeStatement(t *testing.T) {
	tests := []struct {
		sql       string
		wantVerb  string
		wantTable string
	}{
		{`INSERT INTO "fiscal_submissions" ("id") VALUES ('x')`, "INSERT", "fiscal_submissions"},
		{`update "fiscal_batches" SET "status"='sent'`, "UPDATE", "fiscal_batches"},
		{`SELECT count(*) FROM fiscal_chain_states`, "SELECT", "fiscal_chain_states"},
		{`BEGIN`, "BEGIN", ""},
		{``, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.wantVerb, func(t *testing.T) {
			verb, table := describeStatement(tt.sql)
			assert.Equal(t, tt.wantVerb, verb)
			assert.Equal(t, tt.wantTable, table)
		})
	}
}

func TestMapGormLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected gormlogger.LogLevel
	}{
		{"silent", gormlogger.Silent},
		{"error", gormlogger.Error},
		{"warn", gormlogger.Warn},
		{"INFO", gormlogger.Info},
		{"verbose", gormlogger.Warn},
		{"debug", gormlogger.Info},
		{"", gormlogger.Warn},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapGormLogLevel(tt.level))
		})
	}
}

var _ gormlogger.Interface = (*GormLogger)(nil)
