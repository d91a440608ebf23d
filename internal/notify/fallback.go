package notify

import (
	"context"

	"go.uber.org/zap"
)

// FallbackPublisher logs and drops events; used when no broker is configured.
type FallbackPublisher struct {
	log *zap.Logger
}

func NewFallback(logger *zap.Logger) Publisher {
	return &FallbackPublisher{log: logger}
}

func (p *FallbackPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	p.log.Debug("no broker configured, event skipped", zap.String("key", key), zap.String("id", msg.Meta.ID))
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}
