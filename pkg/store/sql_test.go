package store

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := Open(context.Background(), "sqlite", ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_QueryRangeBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)

	ticks := []models.Tick{
		models.NewTick(base.Add(2*time.Minute), "BTCUSDT", models.TradePayload{Price: 3, Quantity: 1}),
		models.NewTick(base, "BTCUSDT", models.TradePayload{Price: 1, Quantity: 1}),
		models.NewTick(base.Add(time.Minute), "BTCUSDT", models.TradePayload{Price: 2, Quantity: 1}),
		models.NewTick(base.Add(time.Minute), "ETHUSDT", models.TradePayload{Price: 9, Quantity: 1}),
		models.NewTick(base.Add(time.Minute), "BTCUSDT", models.ForcedOrderPayload{Price: 5, Quantity: 2, Side: "SELL"}),
	}
	require.NoError(t, s.InsertMany(ctx, ticks))

	got, err := s.QueryRange(ctx, models.SourceTrade, "BTCUSDT", base, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2, "end bound is exclusive")

	prices := map[float64]bool{}
	for _, tk := range got {
		assert.Equal(t, models.SourceTrade, tk.Source())
		assert.Equal(t, time.UTC, tk.Timestamp.Location())
		prices[tk.Payload.(models.TradePayload).Price] = true
	}
	assert.True(t, prices[1])
	assert.True(t, prices[2])

	liq, err := s.QueryRange(ctx, models.SourceForcedOrder, "BTCUSDT", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, liq, 1)
	assert.Equal(t, "SELL", liq[0].Payload.(models.ForcedOrderPayload).Side)
}

func TestSQLStore_LatestTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestTimestamp(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, ErrNoTicks)

	ts := time.Date(2025, 6, 20, 10, 0, 0, 123000, time.UTC)
	require.NoError(t, s.Insert(ctx, models.NewTick(ts, "BTCUSDT", models.DepthPayload{BestBidPrice: 1})))
	require.NoError(t, s.Insert(ctx, models.NewTick(ts.Add(-time.Hour), "BTCUSDT", models.KlinePayload{Close: 1})))

	latest, err := s.LatestTimestamp(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ts.Equal(latest))
}

func TestSQLStore_ClosedIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	err := s.Insert(context.Background(), models.NewTick(time.Now(), "BTCUSDT", models.TradePayload{Price: 1}))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrUnavailable)
}

func TestSQLStore_IterationLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordIteration(ctx, models.IterationRecord{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Symbol:    "BTCUSDT",
			Action:    "HOLD",
			LatencyMs: float64(i),
		}))
	}

	recs, err := s.RecentIterations(ctx, "BTCUSDT", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2.0, recs[0].LatencyMs)
	assert.Equal(t, 1.0, recs[1].LatencyMs)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "", logrus.New())
	assert.Error(t, err)
}
