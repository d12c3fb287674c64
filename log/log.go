package log

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mel2oo/go-mitm/gid"
)

type Config struct {
	// One of "debug", "info", "warn", "error". Empty means info, or debug in
	// development mode.
	Level string `yaml:"level"`

	// Console output with caller info instead of JSON.
	Development bool `yaml:"development"`
}

func New(config Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	if config.Level != "" {
		level, err := zapcore.ParseLevel(config.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", config.Level)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	return logger, nil
}

// Child logger for everything that happens on one proxied connection.
func WithConnection(logger *zap.Logger, id gid.ConnectionID, remote net.Addr) *zap.Logger {
	fields := []zap.Field{zap.Stringer("connection", id)}
	if remote != nil {
		fields = append(fields, zap.String("remote_addr", remote.String()))
	}
	return logger.With(fields...)
}
