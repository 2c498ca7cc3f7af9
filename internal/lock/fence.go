package lock

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/metrics"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

// Fence guards downstream writes with fencing tokens. Check atomically
// records the token as the latest seen for the resource, so two writers can
// never both pass with tokens out of order.
type Fence struct {
	store   storage.Locks
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewFence(store storage.Locks, logger *zap.Logger, m *metrics.Metrics) *Fence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fence{store: store, logger: logger.Named("fence"), metrics: metrics.OrNop(m)}
}

// Check returns ErrFencingViolation when a higher token than token has
// already been observed for resource.
func (f *Fence) Check(ctx context.Context, resource string, token int64) error {
	ok, err := f.store.AdvanceFence(ctx, resource, token)
	if err != nil {
		return errors.Wrapf(err, "fence %s", resource)
	}
	if !ok {
		f.metrics.FenceRejected.Inc()
		f.logger.Warn("stale fencing token rejected", zap.String("resource", resource), zap.Int64("token", token))
		return errors.Wrapf(ErrFencingViolation, "resource %s token %d", resource, token)
	}
	return nil
}
