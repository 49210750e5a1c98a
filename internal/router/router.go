// Package router fails AI/RPC requests over from a co-hosted primary
// service to direct upstream providers, with per-service key rotation, a
// circuit breaker, and a self-healing probe loop.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/observability"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// Mode is the routing mode.
type Mode string

const (
	ModePrimary Mode = "primary"
	ModeDirect  Mode = "direct"
)

// Request is one routed call. Service selects the upstream family; Payload
// is the opaque request body forwarded as-is.
type Request struct {
	Service string          `json:"service"`
	Model   string          `json:"model,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Usage is normalized token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the unified shape callers receive regardless of source.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
	Source  string `json:"source"`
	Service string `json:"service"`
}

// Config tunes one router.
type Config struct {
	PrimaryURL     string
	MaxFailures    int
	CircuitTimeout time.Duration
	Routes         map[string]Route
}

// Router sends requests via the primary aggregation service until it trips,
// then walks per-service key rings against upstreams directly. It starts in
// PRIMARY mode.
type Router struct {
	cfg      Config
	client   *http.Client
	clock    domain.Clock
	logger   *slog.Logger
	audit    domain.AuditRecorder
	notifier domain.Notifier

	mu               sync.Mutex
	mode             Mode
	failureCount     int
	circuitOpenUntil time.Time
	probing          bool
	keys             map[string][]string
	keyIndex         map[string]int
}

func New(cfg Config, client *http.Client, clock domain.Clock, notifier domain.Notifier, audit domain.AuditRecorder, logger *slog.Logger) *Router {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = 300 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	observability.RouterMode.Set(0)
	return &Router{
		cfg:      cfg,
		client:   client,
		clock:    clock,
		logger:   logger,
		audit:    audit,
		notifier: notifier,
		mode:     ModePrimary,
		keys:     make(map[string][]string),
		keyIndex: make(map[string]int),
	}
}

// SetKeys installs the ordered credential ring for a service, resetting the
// rotation cursor.
func (r *Router) SetKeys(service string, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[service] = append([]string(nil), keys...)
	r.keyIndex[service] = 0
}

// Mode reports the current routing mode.
func (r *Router) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Send routes one request. In PRIMARY mode a failure counts toward the
// breaker; tripping it flips the router to DIRECT for the cooldown. In
// DIRECT mode, once the cooldown has elapsed, the next call probes the
// primary exactly once before falling back to the key ring.
func (r *Router) Send(ctx context.Context, req Request) (Response, error) {
	if req.Service == "" {
		return Response{}, fmt.Errorf("request service required: %w", domain.ErrValidation)
	}

	r.mu.Lock()
	mode := r.mode
	probe := false
	if mode == ModeDirect && !r.probing && !r.circuitOpenUntil.After(r.clock.Now()) {
		probe = true
		r.probing = true
	}
	r.mu.Unlock()

	if mode == ModePrimary {
		resp, err := r.sendPrimary(ctx, req)
		if err == nil {
			r.mu.Lock()
			r.failureCount = 0
			r.mu.Unlock()
			observability.RouterRequestsTotal.WithLabelValues("primary", "ok").Inc()
			return resp, nil
		}
		observability.RouterRequestsTotal.WithLabelValues("primary", "error").Inc()
		r.recordPrimaryFailure(err)
		return Response{}, fmt.Errorf("primary: %w", err)
	}

	if probe {
		resp, err := r.sendPrimary(ctx, req)
		r.mu.Lock()
		r.probing = false
		if err == nil {
			r.mode = ModePrimary
			r.failureCount = 0
			r.mu.Unlock()
			observability.RouterMode.Set(0)
			observability.RouterRequestsTotal.WithLabelValues("primary", "ok").Inc()
			r.logger.Info("primary recovered, leaving direct mode")
			return resp, nil
		}
		r.circuitOpenUntil = r.clock.Now().Add(r.cfg.CircuitTimeout)
		r.mu.Unlock()
		r.logger.Warn("primary probe failed, staying direct", slog.Any("error", err))
	}

	return r.sendDirect(ctx, req)
}

func (r *Router) recordPrimaryFailure(err error) {
	r.mu.Lock()
	r.failureCount++
	tripped := r.failureCount >= r.cfg.MaxFailures
	if tripped {
		r.mode = ModeDirect
		r.circuitOpenUntil = r.clock.Now().Add(r.cfg.CircuitTimeout)
		r.failureCount = 0
	}
	r.mu.Unlock()

	if tripped {
		observability.RouterFailoversTotal.Inc()
		observability.RouterMode.Set(1)
		r.logger.Warn("primary circuit opened, switching to direct mode", slog.Any("error", err))
		if r.audit != nil {
			r.audit.Record(domain.AuditLogEntry{
				Action:       domain.AuditFailover,
				SubjectID:    "primary",
				Success:      true,
				ErrorMessage: err.Error(),
			})
		}
		if r.notifier != nil {
			_ = r.notifier.Send(context.Background(), domain.NotifyCritical,
				"router failover", "primary unreachable, using direct upstreams", "router", nil)
		}
	}
}

// sendDirect walks the service's key ring starting at the rotation cursor.
// The cursor advances past the key that succeeded; a fully failed ring is
// exhaustion.
func (r *Router) sendDirect(ctx context.Context, req Request) (Response, error) {
	route, ok := r.cfg.Routes[req.Service]
	if !ok {
		return Response{}, fmt.Errorf("no route for service %s: %w", req.Service, domain.ErrValidation)
	}

	r.mu.Lock()
	ring := r.keys[req.Service]
	start := r.keyIndex[req.Service]
	r.mu.Unlock()

	if len(ring) == 0 {
		observability.RouterRequestsTotal.WithLabelValues("direct", "no_keys").Inc()
		return Response{}, fmt.Errorf("no keys for service %s: %w", req.Service, domain.ErrExhausted)
	}

	var lastErr error
	for i := range ring {
		idx := (start + i) % len(ring)
		resp, err := r.callUpstream(ctx, route, ring[idx], req)
		if err == nil {
			r.mu.Lock()
			r.keyIndex[req.Service] = (idx + 1) % len(ring)
			r.mu.Unlock()
			observability.RouterRequestsTotal.WithLabelValues("direct", "ok").Inc()
			return resp, nil
		}
		lastErr = err
		r.logger.Warn("direct key failed, rotating",
			slog.String("service", req.Service),
			slog.Int("key_index", idx),
			slog.Any("error", err))
	}
	observability.RouterRequestsTotal.WithLabelValues("direct", "exhausted").Inc()
	return Response{}, fmt.Errorf("all %d keys failed for %s: %w", len(ring), req.Service, lastErr)
}

type upstreamReply struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

func (r *Router) sendPrimary(ctx context.Context, req Request) (Response, error) {
	reply, err := r.post(ctx, r.cfg.PrimaryURL+"/v1/route", "", req)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Content: reply.Content,
		Model:   reply.Model,
		Usage:   reply.Usage,
		Source:  "primary",
		Service: req.Service,
	}, nil
}

func (r *Router) callUpstream(ctx context.Context, route Route, key string, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = route.Model
	}
	reply, err := r.post(ctx, route.UpstreamURL, key, Request{
		Service: req.Service,
		Model:   model,
		Payload: req.Payload,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{
		Content: reply.Content,
		Model:   reply.Model,
		Usage:   reply.Usage,
		Source:  "direct",
		Service: req.Service,
	}, nil
}

func (r *Router) post(ctx context.Context, url, key string, body any) (upstreamReply, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return upstreamReply{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return upstreamReply{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return upstreamReply{}, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return upstreamReply{}, fmt.Errorf("upstream status %d: %w", resp.StatusCode, domain.ErrTransient)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return upstreamReply{}, fmt.Errorf("read response: %w", err)
	}
	var reply upstreamReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return upstreamReply{}, fmt.Errorf("parse response: %w", err)
	}
	return reply, nil
}

// HealthOK probes the primary's health endpoint with a short timeout.
func (r *Router) HealthOK(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, r.cfg.PrimaryURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// CheckHealthAndRecover nudges the router back to PRIMARY when the primary
// looks healthy and the cooldown has elapsed. Returns true when the mode is
// PRIMARY afterwards.
func (r *Router) CheckHealthAndRecover(ctx context.Context) bool {
	r.mu.Lock()
	if r.mode == ModePrimary {
		r.mu.Unlock()
		return true
	}
	if r.circuitOpenUntil.After(r.clock.Now()) {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	if !r.HealthOK(ctx) {
		return false
	}

	r.mu.Lock()
	r.mode = ModePrimary
	r.failureCount = 0
	r.probing = false
	r.mu.Unlock()
	observability.RouterMode.Set(0)
	r.logger.Info("primary healthy again, back to primary mode")
	return true
}

// ForceDirect pins the router to DIRECT mode. Used by the monitor when the
// primary cannot be revived.
func (r *Router) ForceDirect() {
	r.mu.Lock()
	r.mode = ModeDirect
	// Effectively never probe again until an explicit recovery.
	r.circuitOpenUntil = r.clock.Now().Add(100 * 365 * 24 * time.Hour)
	r.mu.Unlock()
	observability.RouterMode.Set(1)
}
