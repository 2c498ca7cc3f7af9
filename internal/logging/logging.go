// Package logging builds the process zap logger.
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger for development environments and a JSON
// production logger otherwise.
func New(appEnv, level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, errors.Wrapf(err, "log level %q", level)
		}
		lvl = parsed
	}

	var cfg zap.Config
	if Development(appEnv) {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger.With(zap.String("env", appEnv)), nil
}

// Development reports whether appEnv names a local or development setup.
func Development(appEnv string) bool {
	switch strings.ToLower(appEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
