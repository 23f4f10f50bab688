package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/bizsuite/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithTenantID(ctx, "42")
	ctx = obscontext.WithActor(ctx, "system", "scheduler")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "42", fields["tenant_id"])
	assert.Equal(t, "system", fields["actor_type"])
	assert.Equal(t, "scheduler", fields["actor_id"])
}

func TestWithContextWithoutFieldsReturnsBase(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, WithContext(context.Background(), base))
}

func TestOperationAndTableFromSQL(t *testing.T) {
	cases := []struct {
		sql       string
		operation string
		table     string
	}{
		{"SELECT * FROM credit_allocations WHERE id = 1", "SELECT", "credit_allocations"},
		{"INSERT INTO credit_journal (id) VALUES (1)", "INSERT", "credit_journal"},
		{`UPDATE "credit_purchases" SET status = 'completed'`, "UPDATE", "credit_purchases"},
		{"", "UNKNOWN", "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.operation, operationFromSQL(tc.sql), tc.sql)
		assert.Equal(t, tc.table, tableFromSQL(tc.sql), tc.sql)
	}
}

func TestGormLoggerTraceLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())
	ctx := obscontext.WithRequestID(context.Background(), "req-9")
	query := func() (string, int64) {
		return "UPDATE credit_allocations SET remaining_amount = ? WHERE id = ?", 1
	}

	// fast and successful stays quiet at warn
	l.Trace(ctx, time.Now(), query, nil)
	assert.Zero(t, logs.Len())

	l.Trace(ctx, time.Now(), query, gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	l.Trace(ctx, time.Now().Add(-time.Second), query, nil)
	l.Trace(ctx, time.Now(), query, errors.New("connection reset"))

	entries := logs.TakeAll()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
		assert.Equal(t, true, entries[0].ContextMap()["slow"])
		assert.Equal(t, "credit_allocations", entries[0].ContextMap()["table"])
		assert.Equal(t, "req-9", entries[0].ContextMap()["request_id"])
		assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	}

	l.LogMode(gormlogger.Info).Trace(ctx, time.Now(), query, nil)
	entries = logs.TakeAll()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
		assert.Equal(t, "UPDATE", entries[0].ContextMap()["operation"])
	}
}
