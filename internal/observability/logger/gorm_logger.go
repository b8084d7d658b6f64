package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the GORM zap logger. LockWait applies to
// SELECT ... FOR UPDATE statements only and is usually much tighter than
// SlowThreshold since the balance engine holds client and invoice rows
// for the whole mutation.
type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	LockWait      time.Duration
}

func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: 200 * time.Millisecond,
		LockWait:      50 * time.Millisecond,
	}
}

// GormLogger routes gorm output through zap with request-scoped fields.
type GormLogger struct {
	base *zap.Logger
	cfg  GormLoggerConfig
}

func NewGormLogger(base *zap.Logger, cfg GormLoggerConfig) *GormLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &GormLogger{base: base.Named("gorm"), cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.cfg.Level = level
	return &clone
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.cfg.Level < min {
		return
	}
	if len(data) > 0 {
		msg = fmt.Sprintf(msg, data...)
	}
	WithContext(ctx, l.base).Log(level, msg)
}

// Trace logs failed, slow and lock-waiting statements. Record-not-found is
// a normal lookup outcome for the repositories and is never logged.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	if err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) {
		if l.cfg.Level >= gormlogger.Error {
			l.query(ctx, "gorm.query_failed", zapcore.ErrorLevel, fc, elapsed, zap.Error(err))
		}
		return
	}
	if l.cfg.Level < gormlogger.Warn {
		return
	}

	sql, rows := fc()
	captured := func() (string, int64) { return sql, rows }
	switch {
	case l.cfg.LockWait > 0 && elapsed > l.cfg.LockWait && isLockingRead(sql):
		l.query(ctx, "gorm.lock_wait", zapcore.WarnLevel, captured, elapsed)
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold:
		l.query(ctx, "gorm.slow_query", zapcore.WarnLevel, captured, elapsed)
	case l.cfg.Level >= gormlogger.Info:
		l.query(ctx, "gorm.query", zapcore.DebugLevel, captured, elapsed)
	}
}

// ParamsFilter drops bound values; amounts and client ids stay out of logs.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) query(ctx context.Context, msg string, level zapcore.Level, fc func() (string, int64), elapsed time.Duration, extra ...zap.Field) {
	sql, rows := fc()
	fields := append([]zap.Field{
		zap.String("operation", operationFromSQL(sql)),
		zap.String("table", tableFromSQL(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.String("sql", strings.TrimSpace(sql)),
	}, extra...)
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	WithContext(ctx, l.base).Log(level, msg, fields...)
}

func isLockingRead(sql string) bool {
	return strings.Contains(strings.ToUpper(sql), "FOR UPDATE")
}

func operationFromSQL(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		switch token = strings.Trim(token, "();"); token {
		case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE":
			return token
		}
	}
	return "UNKNOWN"
}

// tableFromSQL returns the first table named after FROM, INTO or UPDATE.
func tableFromSQL(sql string) string {
	tokens := strings.Fields(sql)
	for i := 0; i < len(tokens)-1; i++ {
		switch strings.ToUpper(tokens[i]) {
		case "FROM", "INTO", "UPDATE":
			name := strings.Trim(tokens[i+1], "`\"();,")
			if name == "" || strings.HasPrefix(name, "(") || strings.EqualFold(name, "SELECT") {
				continue
			}
			if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
				name = name[dot+1:]
			}
			return strings.Trim(name, "`\"")
		}
	}
	return ""
}

var _ gormlogger.Interface = (*GormLogger)(nil)
