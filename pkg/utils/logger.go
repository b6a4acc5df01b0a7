package utils

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// NewLogger returns a zap logger. When debug is true, uses development config
// (human-readable, debug level); otherwise uses production config (JSON, info level).
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// badgerLogger adapts a zap logger to badger.Logger.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

var _ badger.Logger = (*badgerLogger)(nil)

// NewBadgerLogger returns a badger.Logger writing through logger. Badger is
// chatty at info level, so its info messages are logged at debug.
func NewBadgerLogger(logger *zap.Logger) badger.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &badgerLogger{logger: logger.Named("badger").Sugar()}
}

func (l *badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error(trimLine(msg, args...))
}

func (l *badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn(trimLine(msg, args...))
}

func (l *badgerLogger) Infof(msg string, args ...any) {
	l.logger.Debug(trimLine(msg, args...))
}

func (l *badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(trimLine(msg, args...))
}

func trimLine(msg string, args ...any) string {
	return strings.TrimRight(fmt.Sprintf(msg, args...), "\n")
}
