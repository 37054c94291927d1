package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the zap.Logger shared by the Registry, Orchestrator,
// and Agent Proxy, using the production JSON encoder unless Logging.Dev
// is set, matching go-coffee's dev/prod encoder split.
func (c *EngineConfig) NewLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return nil, fmt.Errorf("config: logging.level %q: %w", c.Logging.Level, err)
	}

	var zc zap.Config
	if c.Logging.Dev {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}
