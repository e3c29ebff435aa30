package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestRedact(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"Postgres DSN", "host=db user=mark password=hunter2 dbname=x", "host=db user=mark password=***REDACTED*** dbname=x"},
		{"Quoted Value", "password='a b c' sslmode=disable", "password=***REDACTED*** sslmode=disable"},
		{"Uppercase Key", "PASSWORD: s3cret", "PASSWORD: ***REDACTED***"},
		{"Token", "token=abc.def", "token=***REDACTED***"},
		{"Nothing Sensitive", "select 1", "select 1"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Redact(tc.input))
		})
	}
}

func TestGormLoggerRedactsErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	gl := NewGormLogger(zap.New(core), true)

	gl.Error(context.Background(), "failed to initialize database, got error %v", errors.New("dial: password=hunter2"))
	gl.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "ALTER USER mark WITH password='hunter2'", -1
	}, nil)

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.NotContains(t, entries[0].Message, "hunter2")
		assert.Equal(t, "gorm", entries[0].LoggerName)
		assert.NotContains(t, entries[1].ContextMap()["sql"], "hunter2")
	}
}

func TestGormLoggerSilent(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	gl := NewGormLogger(zap.New(core), true).LogMode(gormlogger.Silent)

	gl.Error(context.Background(), "boom")
	gl.Trace(context.Background(), time.Now(), func() (string, int64) { return "select 1", 1 }, errors.New("x"))
	assert.Zero(t, logs.Len())
}

func TestNewGormLoggerLevels(t *testing.T) {
	assert.Equal(t, gormlogger.Warn, NewGormLogger(zap.NewNop(), false).(*GormLogger).LogLevel)
	assert.Equal(t, gormlogger.Info, NewGormLogger(zap.NewNop(), true).(*GormLogger).LogLevel)
}
