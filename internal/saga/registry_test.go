package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/adapter/store/memstore"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/saga"
)

func noopAction(context.Context, map[string]any) (map[string]any, error) {
	return nil, nil
}

func TestRegistryResolvesStepsInOrder(t *testing.T) {
	t.Parallel()
	r := saga.NewRegistry()
	require.NoError(t, r.Register("reserve", noopAction, nil, saga.WithMaxRetries(2)))
	require.NoError(t, r.Register("charge", noopAction, nil, saga.WithStepTimeout(5*time.Second)))

	steps, err := r.Steps("charge", "reserve")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "charge", steps[0].Name)
	assert.Equal(t, 5*time.Second, steps[0].Timeout)
	assert.Equal(t, "reserve", steps[1].Name)
	assert.Equal(t, 2, steps[1].MaxRetries)

	assert.Equal(t, []string{"charge", "reserve"}, r.Names())
}

func TestRegistryUnknownStep(t *testing.T) {
	t.Parallel()
	r := saga.NewRegistry()
	require.NoError(t, r.Register("reserve", noopAction, nil))
	_, err := r.Steps("reserve", "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistryValidation(t *testing.T) {
	t.Parallel()
	r := saga.NewRegistry()
	require.ErrorIs(t, r.Register("", noopAction, nil), domain.ErrValidation)
	require.ErrorIs(t, r.Register("x", nil, nil), domain.ErrValidation)
}

func TestRegistryBackedSagaRuns(t *testing.T) {
	t.Parallel()
	r := saga.NewRegistry()
	require.NoError(t, r.Register("one", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"one": true}, nil
	}, nil))

	steps, err := r.Steps("one")
	require.NoError(t, err)
	o, err := saga.New("saga-reg", steps, memstore.NewKV(), cfg(), instantClock{}, discard())
	require.NoError(t, err)

	res := o.Execute(context.Background(), nil)
	assert.Equal(t, domain.SagaCompleted, res.Status)
	assert.Equal(t, true, o.Context()["one"])
}
