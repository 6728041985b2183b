package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the JSON production logger used by the service.
func New(verbosity string) (*zap.Logger, error) {
	return build(zap.NewProductionConfig(), verbosity)
}

// NewConsole builds a human-readable logger for one-shot CLI commands. It
// writes to stderr so command output on stdout stays machine readable.
func NewConsole(verbosity string) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.Development = false
	config.DisableStacktrace = true
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.OutputPaths = []string{"stderr"}
	return build(config, verbosity)
}

func build(config zap.Config, verbosity string) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}
