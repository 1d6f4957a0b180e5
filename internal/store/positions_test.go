package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/config"
	"signal-trader/internal/position"
)

func newRepo(t *testing.T) *PositionRepository {
	t.Helper()
	st, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := NewPositionRepository(st)
	require.NoError(t, err)
	return repo
}

func samplePosition(id string, openedAt time.Time) position.Position {
	return position.New(id, "BTC/EUR",
		decimal.RequireFromString("65000.12"),
		decimal.RequireFromString("0.001538"),
		position.Params{
			StopLossPercent: decimal.RequireFromString("0.02"),
			TrailStart:      decimal.RequireFromString("0.03"),
			TrailGap:        decimal.RequireFromString("0.015"),
		},
		openedAt,
	)
}

func TestPositionRepository_SaveAndLoad(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	opened := time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC)

	p := samplePosition("p-1", opened)
	p.EntryOrderID = "987"
	require.NoError(t, repo.Save(ctx, p))

	loaded, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, "p-1", got.ID)
	assert.Equal(t, "BTC/EUR", got.Symbol)
	assert.Equal(t, position.SideLong, got.Side)
	assert.Equal(t, position.StateOpen, got.State)
	assert.Equal(t, "987", got.EntryOrderID)
	assert.True(t, got.EntryPrice.Equal(p.EntryPrice))
	assert.True(t, got.Quantity.Equal(p.Quantity))
	assert.True(t, got.StopLossPrice.Equal(p.StopLossPrice), got.StopLossPrice.String())
	assert.True(t, got.TrailTriggerPrice.Equal(p.TrailTriggerPrice))
	assert.True(t, got.TrailGap.Equal(p.TrailGap))
	assert.False(t, got.TrailActive)
	assert.True(t, got.OpenedAt.Equal(opened))
}

func TestPositionRepository_SaveUpdatesMutableFields(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	p := samplePosition("p-1", time.Now().UTC())
	require.NoError(t, repo.Save(ctx, p))

	p.TrailActive = true
	p.PeakPrice = decimal.RequireFromString("70000")
	p.TrailStopPrice = p.TrailStopFor(p.PeakPrice)
	p.State = position.StateClosing
	p.UpdatedAt = p.UpdatedAt.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, p))

	loaded, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.True(t, loaded[0].TrailActive)
	assert.Equal(t, position.StateClosing, loaded[0].State)
	assert.True(t, loaded[0].TrailStopPrice.Equal(decimal.RequireFromString("68950")), loaded[0].TrailStopPrice.String())
}

func TestPositionRepository_DeleteAndOrdering(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, samplePosition("b", base.Add(2*time.Hour))))
	require.NoError(t, repo.Save(ctx, samplePosition("a", base.Add(time.Hour))))
	require.NoError(t, repo.Save(ctx, samplePosition("c", base.Add(3*time.Hour))))

	require.NoError(t, repo.Delete(ctx, "b"))
	require.NoError(t, repo.Delete(ctx, "missing"))

	loaded, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a", loaded[0].ID)
	assert.Equal(t, "c", loaded[1].ID)
}

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	st, err := NewSQLite(config.DatabaseConfig{
		Path:         filepath.Join(dir, "nested", "trader.db"),
		MaxOpenConns: 2,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.DB().Ping())
	assert.DirExists(t, filepath.Join(dir, "nested"))
}
