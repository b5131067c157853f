package features

import (
	"math"
	"sort"
	"time"

	"github.com/gregtusar/liqtrader/pkg/models"
)

const (
	whaleNotional    = 100_000.0
	imbalanceEpsilon = 1e-8
	maSpan           = 3
)

var unset = math.NaN()

type bucket struct {
	start  time.Time
	values []float64
}

func sortedByTime(ticks []models.Tick) []models.Tick {
	out := append([]models.Tick(nil), ticks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func bucketStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(BucketSize)
}

// resampleTrades returns one bucket per minute holding at least one trade, ascending.
// Values follow TradeColumns; a single-trade bucket has an unset price_std.
func resampleTrades(trades []models.Tick) []bucket {
	var out []bucket
	var prices, qtys []float64
	var cur time.Time

	flush := func() {
		if len(prices) == 0 {
			return
		}
		var sumPQ, sumQ float64
		for i := range prices {
			sumPQ += prices[i] * qtys[i]
			sumQ += qtys[i]
		}
		avg := unset
		if sumQ != 0 {
			avg = sumPQ / sumQ
		}
		diff := 0.0
		if len(prices) > 1 {
			diff = prices[len(prices)-1] - prices[0]
		}
		out = append(out, bucket{start: cur, values: []float64{avg, sumQ, sampleStd(prices), diff, float64(len(prices))}})
		prices, qtys = prices[:0], qtys[:0]
	}

	for _, t := range trades {
		p, ok := t.Payload.(models.TradePayload)
		if !ok {
			continue
		}
		start := bucketStart(t.Timestamp)
		if !start.Equal(cur) {
			flush()
			cur = start
		}
		prices = append(prices, p.Price)
		qtys = append(qtys, p.Quantity)
	}
	flush()
	return out
}

type liqAccum struct {
	count, volume, usd, buy, sell float64
	whales                        float64
}

// resampleLiquidations fills a contiguous minute grid from the first to the last liquidation.
// Empty minutes count as zero activity and an unset whale ratio. Values follow LiquidationColumns.
func resampleLiquidations(liqs []models.Tick) map[time.Time][]float64 {
	first := bucketStart(liqs[0].Timestamp)
	last := bucketStart(liqs[len(liqs)-1].Timestamp)
	n := int(last.Sub(first)/BucketSize) + 1

	acc := make([]liqAccum, n)
	for _, t := range liqs {
		p, ok := t.Payload.(models.ForcedOrderPayload)
		if !ok {
			continue
		}
		i := int(bucketStart(t.Timestamp).Sub(first) / BucketSize)
		a := &acc[i]
		notional := p.Notional()
		a.count++
		a.volume += p.Quantity
		a.usd += notional
		switch p.Side {
		case string(models.OrderSideBuy):
			a.buy += p.Quantity
		case string(models.OrderSideSell):
			a.sell += p.Quantity
		}
		if notional > whaleNotional {
			a.whales++
		}
	}

	out := make(map[time.Time][]float64, n)
	velocity := make([]float64, n)
	usd := make([]float64, n)
	imbalance := make([]float64, n)
	for i, a := range acc {
		velocity[i] = unset
		usdDiff, accel := unset, unset
		if i > 0 {
			velocity[i] = a.count - acc[i-1].count
			usdDiff = a.usd - acc[i-1].usd
			accel = velocity[i] - velocity[i-1]
		}
		usd[i] = a.usd
		imbalance[i] = (a.buy - a.sell) / (a.buy + a.sell + imbalanceEpsilon)

		whale := unset
		if a.count > 0 {
			whale = a.whales / a.count
		}

		out[first.Add(time.Duration(i)*BucketSize)] = []float64{
			a.count, a.volume, a.usd, velocity[i], accel, usdDiff,
			a.buy, a.sell, imbalance[i], whale,
			trailingMean(usd, i, maSpan), trailingMean(imbalance, i, maSpan),
		}
	}
	return out
}

// sampleStd is the n-1 standard deviation; unset below two samples.
func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return unset
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// trailingMean averages xs[i-span+1..i]; unset until span values exist.
func trailingMean(xs []float64, i, span int) float64 {
	if i+1 < span {
		return unset
	}
	var sum float64
	for _, x := range xs[i-span+1 : i+1] {
		sum += x
	}
	return sum / float64(span)
}

func hasUnset(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
