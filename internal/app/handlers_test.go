package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/router"
)

func testCore(t *testing.T, primaryURL string) *Core {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Core{
		Logger: logger,
		Router: router.New(router.Config{PrimaryURL: primaryURL}, &http.Client{Timeout: time.Second}, nil, nil, nil, logger),
	}
}

func TestDispatcherUnknownType(t *testing.T) {
	t.Parallel()
	d := NewDispatcher()
	_, err := d.Handle(context.Background(), domain.Task{Type: "nope"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDispatcherRoutesByType(t *testing.T) {
	t.Parallel()
	d := NewDispatcher()
	d.Register("echo", func(_ context.Context, task domain.Task) (any, error) {
		return string(task.Payload), nil
	})
	out, err := d.Handle(context.Background(), domain.Task{Type: "echo", Payload: json.RawMessage(`"hi"`)})
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, out)
}

func TestHandleRoute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "ok", "model": "m"})
	}))
	defer srv.Close()

	c := testCore(t, srv.URL)
	d := NewDispatcher()
	c.RegisterBuiltins(d)

	payload, _ := json.Marshal(router.Request{Service: "deepseek", Payload: json.RawMessage(`{}`)})
	out, err := d.Handle(context.Background(), domain.Task{Type: "ai.route", Payload: payload})
	require.NoError(t, err)
	resp, ok := out.(router.Response)
	require.True(t, ok)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "primary", resp.Source)
}

func TestHandleExecuteDisabled(t *testing.T) {
	t.Parallel()
	c := testCore(t, "http://unused")
	d := NewDispatcher()
	c.RegisterBuiltins(d)

	payload, _ := json.Marshal(ExecutePayload{StrategyID: "s1", Code: "print(1)"})
	_, err := d.Handle(context.Background(), domain.Task{Type: "strategy.execute", Payload: payload})
	require.ErrorIs(t, err, domain.ErrFatal)
}
