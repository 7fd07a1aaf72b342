package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"deskchat/internal/domain"
)

const maxDialDelay = 30 * time.Second

type AMQPConfig struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

// DialWithRetry connects with exponential backoff, capped at 30s per wait.
func DialWithRetry(ctx context.Context, cfg AMQPConfig) (*amqp091.Connection, error) {
	attempts := max(cfg.RetryAttempts, 1)
	delay := cfg.Delay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				cfg.Logger.Info("broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := min(delay<<(i-1), maxDialDelay)
		cfg.Logger.Warn("broker dial failed", "attempt", i, "sleep", sleep, "error", err)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect to broker after %d attempts: %w", attempts, lastErr)
}

// AMQPNotifier publishes persistent JSON envelopes to a durable topic
// exchange.
type AMQPNotifier struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

func NewAMQPNotifier(ctx context.Context, cfg AMQPConfig) (*AMQPNotifier, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "notify")
	conn, err := DialWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPNotifier{conn: conn, exchange: cfg.Exchange, logger: cfg.Logger}, nil
}

func (a *AMQPNotifier) Notify(ctx context.Context, n domain.Notification) error {
	env := NewEnvelope(n)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	key := RoutingKey(n)
	err = ch.PublishWithContext(ctx, a.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: *env.Meta.CorrelationID,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	a.logger.Info("notification published", "key", key, "session", n.SessionID)
	return nil
}

func (a *AMQPNotifier) Close() error { return a.conn.Close() }

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Notification) error { return nil }
