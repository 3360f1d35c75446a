package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"as-market-maker/order"
)

func setupJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "data", "fills.db"), "BTCUSDT", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordFill_AndRecent(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordFill(ctx, order.Fill{
		ClientOrderID: "asmm-b1", ExchangeOrderID: "P1", Side: order.SideBuy,
		Price: 99.99, Size: 0.01, Time: t0,
	}, 0.0002))
	require.NoError(t, j.RecordFill(ctx, order.Fill{
		ClientOrderID: "asmm-s1", ExchangeOrderID: "P2", Side: order.SideSell,
		Price: 100.01, Size: 0.02, Fee: 0.001, Time: t0.Add(time.Minute),
	}, 0.0004))

	recent, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "asmm-s1", recent[0].ClientOrderID)
	assert.Equal(t, "SELL", recent[0].Side)
	assert.Equal(t, "BTCUSDT", recent[1].Symbol)

	limited, err := j.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordFill_Duplicate(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	f := order.Fill{ClientOrderID: "asmm-b1", Side: order.SideBuy, Price: 100, Size: 0.01, Time: time.Now()}

	require.NoError(t, j.RecordFill(ctx, f, 0.1))
	require.NoError(t, j.RecordFill(ctx, f, 0.1))

	s, err := j.Summarize(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Fills)
}

func TestSummarize(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	fills := []order.Fill{
		{ClientOrderID: "a", Side: order.SideBuy, Price: 100, Size: 0.1, Time: t0.Add(-time.Hour)},
		{ClientOrderID: "b", Side: order.SideBuy, Price: 100, Size: 0.2, Time: t0.Add(time.Hour)},
		{ClientOrderID: "c", Side: order.SideSell, Price: 101, Size: 0.3, Fee: 0.05, Time: t0.Add(2 * time.Hour)},
	}
	for _, f := range fills {
		require.NoError(t, j.RecordFill(ctx, f, 1))
	}

	all, err := j.Summarize(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Fills)
	assert.InDelta(t, 0.3, all.BuyVolume, 1e-12)
	assert.InDelta(t, 0.3, all.SellVolume, 1e-12)
	assert.InDelta(t, 3, all.EstimatedGain, 1e-12)
	assert.InDelta(t, 0.05, all.Fees, 1e-12)

	today, err := j.Summarize(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), today.Fills)
	assert.InDelta(t, 0.2, today.BuyVolume, 1e-12)
}
