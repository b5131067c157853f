package window

import (
	"testing"
	"time"

	"github.com/gregtusar/liqtrader/pkg/features"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)

func table(minutes ...int) *models.FeatureTable {
	tb := &models.FeatureTable{Columns: []string{"idx"}}
	for _, m := range minutes {
		tb.Rows = append(tb.Rows, models.FeatureRow{Start: t0.Add(time.Duration(m) * time.Minute), Values: []float64{float64(m)}})
	}
	return tb
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestLatest_Boundary(t *testing.T) {
	b := NewBuilder(5, false)

	_, err := b.Latest(table(seq(4)...))
	assert.ErrorIs(t, err, ErrInsufficientData)

	w, err := b.Latest(table(seq(5)...))
	require.NoError(t, err)
	assert.Equal(t, 5, w.Len())

	_, err = b.Latest(nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAll_CountAndOverlap(t *testing.T) {
	b := NewBuilder(4, false)

	for n := 0; n <= 10; n++ {
		ws := b.All(table(seq(n)...))
		want := n - 4
		if want < 0 {
			want = 0
		}
		assert.Len(t, ws, want, "rows=%d", n)
	}

	ws := b.All(table(seq(10)...))
	for i := 0; i+1 < len(ws); i++ {
		assert.Equal(t, ws[i].Rows[1:], ws[i+1].Rows[:3])
	}
}

func TestContiguityPolicy(t *testing.T) {
	gappy := table(0, 1, 2, 5, 6, 7, 8)

	lenient := NewBuilder(3, false)
	assert.Len(t, lenient.All(gappy), 4)

	strict := NewBuilder(3, true)
	ws := strict.All(gappy)
	require.Len(t, ws, 2)
	assert.Equal(t, t0, ws[0].Start())
	assert.Equal(t, t0.Add(5*time.Minute), ws[1].Start())

	_, err := strict.Latest(table(0, 1, 3))
	assert.ErrorIs(t, err, ErrNonContiguous)

	w, err := strict.Latest(gappy)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(8*time.Minute), w.End())
}

func TestEndToEnd_TenBuckets(t *testing.T) {
	var feed []models.Tick
	for m := 0; m < 10; m++ {
		base := t0.Add(time.Duration(m) * time.Minute)
		feed = append(feed,
			models.NewTick(base.Add(time.Second), "BTCUSDT", models.TradePayload{Price: 100 + float64(m), Quantity: 1}),
			models.NewTick(base.Add(30*time.Second), "BTCUSDT", models.TradePayload{Price: 100 + 2*float64(m), Quantity: float64(m + 1)}),
		)
	}

	tb, err := features.Build(feed, nil)
	require.NoError(t, err)
	require.Equal(t, 10, tb.Len())

	b := NewBuilder(5, false)
	assert.Len(t, b.All(tb), 5)

	latest, err := b.Latest(tb)
	require.NoError(t, err)
	require.Equal(t, 5, latest.Len())
	for i, r := range latest.Rows {
		assert.Equal(t, t0.Add(time.Duration(5+i)*time.Minute), r.Start)
	}
}
