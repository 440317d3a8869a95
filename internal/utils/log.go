// Package utils
package utils

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFile = "leverage-trader.log"

var (
	logger *zap.SugaredLogger
	once   sync.Once
	mu     sync.RWMutex
)

// GetLogger returns the process-wide logger. Console output goes to stderr,
// structured JSON goes to leverage-trader.log.
func GetLogger() *zap.SugaredLogger {
	once.Do(func() {
		l := newLogger(logFile)
		mu.Lock()
		if logger == nil {
			logger = l
		}
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the process-wide logger. Tests use it with zap.NewNop.
func SetLogger(l *zap.Logger) {
	once.Do(func() {})
	mu.Lock()
	logger = l.Sugar()
	mu.Unlock()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = GetLogger().Sync()
}

func newLogger(path string) *zap.SugaredLogger {
	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), zap.InfoLevel),
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(file),
			zap.DebugLevel,
		))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named("leverage-trader")
	if err != nil {
		l.Warn("utils | log file unavailable, console only", zap.Error(err))
	}
	return l.Sugar()
}
