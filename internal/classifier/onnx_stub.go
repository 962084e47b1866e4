//go:build !onnx
// +build !onnx

package classifier

import (
	"fmt"

	"github.com/raaihank/ad-sentinel/internal/config"
	"go.uber.org/zap"
)

// NewONNX reports that this build carries no ONNX Runtime support.
func NewONNX(cfg config.ClassifierConfig, logger *zap.Logger) (Backend, error) {
	return nil, fmt.Errorf("%w: onnx backend requires the 'onnx' build tag", ErrUnsupported)
}
