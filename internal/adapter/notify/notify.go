// Package notify delivers operational alerts. A Limiter in front of a sink
// suppresses repeats of the same alert within a cool-off window; critical
// alerts always go through.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// LogNotifier writes alerts to the structured log. It is the default sink
// when no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

var _ domain.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, level domain.NotifyLevel, title, message, source string, metadata map[string]string) error {
	lvl := slog.LevelInfo
	switch level {
	case domain.NotifyWarning:
		lvl = slog.LevelWarn
	case domain.NotifyCritical:
		lvl = slog.LevelError
	}
	attrs := []any{
		slog.String("title", title),
		slog.String("source", source),
	}
	for k, v := range metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	n.logger.Log(ctx, lvl, message, attrs...)
	return nil
}

// WebhookNotifier posts alerts as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

var _ domain.Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

func (n *WebhookNotifier) Send(ctx context.Context, level domain.NotifyLevel, title, message, source string, metadata map[string]string) error {
	body, err := json.Marshal(map[string]any{
		"level":     level,
		"title":     title,
		"message":   message,
		"source":    source,
		"metadata":  metadata,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Limiter suppresses duplicate alerts. Identity is (level, title, source);
// a repeat inside the cool-off window is dropped silently. Critical alerts
// bypass the limiter entirely.
type Limiter struct {
	inner   domain.Notifier
	cooloff time.Duration
	clock   domain.Clock

	mu       sync.Mutex
	lastSent map[string]time.Time
}

var _ domain.Notifier = (*Limiter)(nil)

func NewLimiter(inner domain.Notifier, cooloff time.Duration, clock domain.Clock) *Limiter {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Limiter{
		inner:    inner,
		cooloff:  cooloff,
		clock:    clock,
		lastSent: make(map[string]time.Time),
	}
}

func (l *Limiter) Send(ctx context.Context, level domain.NotifyLevel, title, message, source string, metadata map[string]string) error {
	if level != domain.NotifyCritical {
		key := string(level) + "|" + title + "|" + source
		l.mu.Lock()
		last, seen := l.lastSent[key]
		now := l.clock.Now()
		if seen && now.Sub(last) < l.cooloff {
			l.mu.Unlock()
			return nil
		}
		l.lastSent[key] = now
		l.mu.Unlock()
	}
	return l.inner.Send(ctx, level, title, message, source, metadata)
}
