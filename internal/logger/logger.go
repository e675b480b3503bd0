package logger

import (
	"go.uber.org/zap"
)

// New builds a production zap logger at the given verbosity. opts are
// applied on top, e.g. zap.WithFatalHook to intercept fatal escalation.
func New(verbosity string, opts ...zap.Option) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	// Fatal diagnostics name their call site explicitly.
	config.DisableStacktrace = true
	return config.Build(opts...)
}

// NewDevelopment builds a human-readable console logger for the CLI.
func NewDevelopment(verbosity string, opts ...zap.Option) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	config.DisableStacktrace = true
	return config.Build(opts...)
}
