package presence

import (
	"context"
	"fmt"

	"github.com/amoylab/imgate/internal/common/cnst"
	"github.com/amoylab/imgate/internal/common/config"

	"go.uber.org/zap"
)

// NewStore creates a presence store based on configuration
func NewStore(ctx context.Context, logger *zap.Logger, cfg *config.PresenceConfig) (Store, error) {
	logger.Info("Initializing presence store", zap.String("type", cfg.Type))
	switch cfg.Type {
	case cnst.PresenceTypeMemory:
		return NewMemoryStore(logger), nil
	case cnst.PresenceTypeRedis:
		return NewRedisStore(ctx, logger, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrUnsupportedStore, cfg.Type)
	}
}
