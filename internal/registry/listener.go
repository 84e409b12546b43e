package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/routecache/internal/domain"
	"github.com/alanyoungcy/routecache/internal/metrics"
)

// UpdateListener subscribes to the pool update topic and applies every
// message to the registry in delivery order. Delivery is at-most-once: a
// missed message leaves the registry stale until the next bootstrap. The
// listener never recomputes routes.
type UpdateListener struct {
	bus      domain.SignalBus
	registry *PoolRegistry
	topic    string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewUpdateListener creates an UpdateListener on domain.PoolUpdatedTopic.
func NewUpdateListener(bus domain.SignalBus, registry *PoolRegistry, m *metrics.Metrics, logger *slog.Logger) *UpdateListener {
	return &UpdateListener{
		bus:      bus,
		registry: registry,
		topic:    domain.PoolUpdatedTopic,
		metrics:  m,
		logger:   logger.With(slog.String("component", "pool_update_listener")),
	}
}

// Run blocks until ctx is cancelled or the subscription closes.
func (l *UpdateListener) Run(ctx context.Context) error {
	ch, err := l.bus.Subscribe(ctx, l.topic)
	if err != nil {
		return err
	}
	l.logger.Info("pool update listener started", slog.String("topic", l.topic))
	defer l.logger.Info("pool update listener stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			l.handleMessage(ctx, data)
		}
	}
}

func (l *UpdateListener) handleMessage(ctx context.Context, data []byte) {
	if err := l.registry.ApplyMessage(ctx, data); err != nil {
		// Decode failures are already logged by the registry.
		if !errors.Is(err, domain.ErrDecode) {
			l.logger.WarnContext(ctx, "pool update not applied",
				slog.String("error", err.Error()),
			)
		}
	}
}
