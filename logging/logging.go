// Package logging constructs the *zap.Logger threaded through every
// component's constructor. No component reaches for a package-global
// logger; each is handed one here.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds a production zap logger, or a development logger when debug
// is set (human-readable console encoding, debug level enabled).
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
