package classifier

import (
	"fmt"

	"github.com/raaihank/ad-sentinel/internal/config"
	"go.uber.org/zap"
)

// New creates the configured backend.
func New(cfg config.ClassifierConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case BackendWeka, "":
		return NewWeka(cfg, nil, logger), nil
	case BackendONNX:
		return NewONNX(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown classifier backend: %s", cfg.Backend)
	}
}
