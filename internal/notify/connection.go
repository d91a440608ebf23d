package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var ErrNacked = errors.New("broker nacked message")

type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *zap.Logger
}

const maxDelay = 60 * time.Second

// DialWithRetry connects to RabbitMQ with exponential backoff, giving up when
// ctx is done or the attempts run out.
func DialWithRetry(ctx context.Context, opts ConnectionOptions) (*amqp091.Connection, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	var lastErr error
	sleep := opts.Delay
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("rabbit connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == opts.RetryAttempts {
			break
		}
		opts.Logger.Warn("rabbit dial failed", zap.Int("attempt", i), zap.Duration("sleep", sleep), zap.Error(err))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		sleep *= 2
		if sleep > maxDelay {
			sleep = maxDelay
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// Open returns a RabbitMQ publisher when url is set and the fallback otherwise.
func Open(ctx context.Context, url, exchange string, logger *zap.Logger) (Publisher, error) {
	if url == "" {
		return NewFallback(logger), nil
	}
	conn, err := DialWithRetry(ctx, ConnectionOptions{URL: url, RetryAttempts: 5, Delay: time.Second, Logger: logger})
	if err != nil {
		return nil, err
	}
	pub, err := NewRabbitMQ(conn, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return pub, nil
}
