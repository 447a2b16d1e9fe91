// Package notify delivers operator and user notifications. Delivery is
// fire-and-forget: failures are logged, never returned to the caller's flow.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/observability"
)

type Notification struct {
	UserID   int64           `json:"user_id"`
	Severity models.Severity `json:"severity"`
	Header   string          `json:"header"`
	Body     string          `json:"body"`
	Critical bool            `json:"critical"`
	At       time.Time       `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.Message) error
}

// StoreNotifier persists notifications as user messages.
type StoreNotifier struct {
	Store MessageStore
}

func (s *StoreNotifier) Notify(ctx context.Context, n Notification) error {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	return s.Store.CreateMessage(ctx, &models.Message{
		UserID:    n.UserID,
		Severity:  n.Severity,
		Header:    n.Header,
		Body:      n.Body,
		Critical:  n.Critical,
		CreatedAt: at,
	})
}

// RedisNotifier publishes notifications as JSON on a pub/sub channel.
type RedisNotifier struct {
	Client  *redis.Client
	Channel string
}

func NewRedisNotifier(addr, channel string) *RedisNotifier {
	return &RedisNotifier{
		Client:  redis.NewClient(&redis.Options{Addr: addr}),
		Channel: channel,
	}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := r.Client.Publish(ctx, r.Channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

func (r *RedisNotifier) Close() error { return r.Client.Close() }

// Multi fans a notification out to every sink.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled drops notifications beyond the limiter's rate.
type Throttled struct {
	Next    Notifier
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

func NewThrottled(next Notifier, perMinute int, logger *slog.Logger) *Throttled {
	return &Throttled{
		Next:    next,
		Limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
		Logger:  logger,
	}
}

func (t *Throttled) Notify(ctx context.Context, n Notification) error {
	if !t.Limiter.Allow() {
		observability.NotificationsDropped.Inc()
		t.Logger.Warn("notification dropped by rate limit", "header", n.Header, "user_id", n.UserID)
		return nil
	}
	return t.Next.Notify(ctx, n)
}

// Discard accepts and drops everything.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) error { return nil }

// Send delivers n and logs, rather than returns, any failure.
func Send(ctx context.Context, notifier Notifier, logger *slog.Logger, n Notification) {
	if notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, n); err != nil {
		observability.NotificationsDropped.Inc()
		logger.Error("notification failed", "header", n.Header, "user_id", n.UserID, "err", err)
	}
}

// InternalError reports an unexpected failure to an administrator.
func InternalError(ctx context.Context, notifier Notifier, logger *slog.Logger, adminID int64, header string, err error, details string) {
	body := fmt.Sprintf("%T: %v", err, err)
	if details != "" {
		body += "\n" + details
	}
	Send(ctx, notifier, logger, Notification{
		UserID:   adminID,
		Severity: models.SeverityError,
		Header:   header,
		Body:     body,
		Critical: true,
	})
}
