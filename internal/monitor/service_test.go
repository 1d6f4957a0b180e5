package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/config"
	"signal-trader/internal/position"
	"signal-trader/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	require.NoError(t, err)
	return svc
}

func TestService_RecordAndListEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pos := position.Position{
		ID:         "p-1",
		Symbol:     "BTC/EUR",
		Side:       position.SideLong,
		EntryPrice: decimal.RequireFromString("100"),
		Quantity:   decimal.RequireFromString("0.5"),
		State:      position.StateOpen,
	}
	svc.RecordSignal(ctx, "BTC/EUR", "buy", "opened", "")
	svc.RecordPosition(ctx, "opened", pos, "")
	svc.RecordError(ctx, "下单失败", errors.New("boom"), map[string]interface{}{"symbol": "BTC/EUR"})

	all, err := svc.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventError, all[0].Type, "newest first")
	assert.Equal(t, EventSignal, all[2].Type)

	positions, err := svc.ListEvents(ctx, EventPosition, 10)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	raw, ok := positions[0].Payload.(json.RawMessage)
	require.True(t, ok)

	var payload PositionPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "opened", payload.Action)
	assert.Equal(t, "p-1", payload.Position.ID)
	assert.True(t, payload.Position.EntryPrice.Equal(decimal.NewFromInt(100)))
}

func TestService_ListEventsLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordSignal(ctx, "ETH/EUR", "sell", "not_found", "")
	}

	events, err := svc.ListEvents(ctx, EventSignal, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	assert.Error(t, err)
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PositionOpened("BTC/EUR")
	m.PositionClosed("BTC/EUR", "stop_loss")
	m.ExitAttempt("BTC/EUR", "transient")
	m.ExitAttempt("BTC/EUR", "transient")
	m.StaleTick("BTC/EUR")
	m.OpenPositions(3)
	m.AlertRaised("critical")
	m.SignalHandled("buy", "opened")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.positionsOpened.WithLabelValues("BTC/EUR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.positionsClosed.WithLabelValues("BTC/EUR", "stop_loss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.exitAttempts.WithLabelValues("BTC/EUR", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.staleTicks.WithLabelValues("BTC/EUR")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.positionsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("buy", "opened")))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}
