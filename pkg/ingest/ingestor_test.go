package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	// gate, when set, holds every Insert until it is closed.
	gate    chan struct{}
	mu      sync.Mutex
	ticks   []models.Tick
	failFor map[float64]bool
}

func (f *fakeStore) Insert(ctx context.Context, tick models.Tick) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if tp, ok := tick.Payload.(models.TradePayload); ok && f.failFor[tp.Price] {
		return errors.New("write failed")
	}
	f.ticks = append(f.ticks, tick)
	return nil
}

func (f *fakeStore) InsertMany(ctx context.Context, ticks []models.Tick) error {
	for _, t := range ticks {
		if err := f.Insert(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) QueryRange(ctx context.Context, source models.SourceType, symbol string, start, end time.Time) ([]models.Tick, error) {
	return nil, nil
}

func (f *fakeStore) LatestTimestamp(ctx context.Context, symbol string) (time.Time, error) {
	return time.Time{}, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func (f *fakeStore) stored() []models.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Tick(nil), f.ticks...)
}

type fakeSnapshots struct {
	fundingErr   error
	oiErr        error
	fundingCalls *int
}

func (f fakeSnapshots) FundingRate(ctx context.Context, symbol string) (models.FundingRate, error) {
	if f.fundingCalls != nil {
		*f.fundingCalls++
	}
	if f.fundingErr != nil {
		return models.FundingRate{}, f.fundingErr
	}
	return models.FundingRate{Symbol: symbol, Rate: 0.0001, FundingTime: time.Date(2025, 6, 20, 8, 0, 0, 0, time.UTC)}, nil
}

func (f fakeSnapshots) OpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error) {
	if f.oiErr != nil {
		return models.OpenInterest{}, f.oiErr
	}
	return models.OpenInterest{Symbol: symbol, Contracts: 80000, Value: 8.4e9}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func tradeTick(ts time.Time, price float64) models.Tick {
	return models.NewTick(ts, "BTCUSDT", models.TradePayload{Price: price, Quantity: 1})
}

func TestIngestor_PreservesChannelOrder(t *testing.T) {
	fs := &fakeStore{}
	ing := NewIngestor(fs, fakeSnapshots{}, Config{Symbol: "BTCUSDT"}, quietLogger())

	base := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	for n := 0; n < 50; n++ {
		ing.Handle(tradeTick(base.Add(time.Duration(n)*time.Second), float64(n)))
	}
	ing.Handle(models.NewTick(base, "BTCUSDT", models.ForcedOrderPayload{Price: 1, Quantity: 1, Side: "SELL"}))
	ing.Stop()

	var prices []float64
	liq := 0
	for _, tk := range fs.stored() {
		switch p := tk.Payload.(type) {
		case models.TradePayload:
			prices = append(prices, p.Price)
		case models.ForcedOrderPayload:
			liq++
		}
	}
	require.Len(t, prices, 50)
	for n, p := range prices {
		assert.Equal(t, float64(n), p)
	}
	assert.Equal(t, 1, liq)
}

func TestIngestor_WriteFailureDropsOnlyThatTick(t *testing.T) {
	fs := &fakeStore{failFor: map[float64]bool{2: true}}
	ing := NewIngestor(fs, fakeSnapshots{}, Config{Symbol: "BTCUSDT"}, quietLogger())

	base := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	for n := 1; n <= 3; n++ {
		ing.Handle(tradeTick(base, float64(n)))
	}
	ing.Stop()

	assert.Len(t, fs.stored(), 2)
}

func TestIngestor_FullQueueWaitsByDefault(t *testing.T) {
	fs := &fakeStore{gate: make(chan struct{})}
	ing := NewIngestor(fs, fakeSnapshots{}, Config{Symbol: "BTCUSDT", QueueCapacity: 1}, quietLogger())

	base := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 10; n++ {
			ing.Handle(tradeTick(base, float64(n)))
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(fs.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after the store caught up")
	}
	ing.Stop()

	stored := fs.stored()
	require.Len(t, stored, 10)
	for n, tk := range stored {
		assert.Equal(t, float64(n), tk.Payload.(models.TradePayload).Price)
	}
}

func TestIngestor_DropWhenFull(t *testing.T) {
	fs := &fakeStore{gate: make(chan struct{})}
	ing := NewIngestor(fs, fakeSnapshots{}, Config{Symbol: "BTCUSDT", QueueCapacity: 1, DropWhenFull: true}, quietLogger())

	base := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	for n := 0; n < 10; n++ {
		ing.Handle(tradeTick(base, float64(n)))
	}
	close(fs.gate)
	ing.Stop()

	stored := fs.stored()
	assert.NotEmpty(t, stored)
	assert.Less(t, len(stored), 10)
}

func TestCaptureSnapshot(t *testing.T) {
	now := time.Date(2025, 6, 20, 10, 5, 0, 0, time.UTC)

	t.Run("stores when both calls succeed", func(t *testing.T) {
		fs := &fakeStore{}
		ing := NewIngestor(fs, fakeSnapshots{}, Config{Symbol: "BTCUSDT"}, quietLogger())
		ing.now = func() time.Time { return now }

		require.True(t, ing.CaptureSnapshot(context.Background()))
		stored := fs.stored()
		require.Len(t, stored, 1)
		assert.Equal(t, models.SourceSnapshot, stored[0].Source())
		assert.Equal(t, now, stored[0].Timestamp)
		p := stored[0].Payload.(models.SnapshotPayload)
		assert.Equal(t, 0.0001, p.FundingRate)
		assert.Equal(t, time.Date(2025, 6, 20, 8, 0, 0, 0, time.UTC), p.FundingTime)
		assert.Equal(t, 80000.0, p.OpenInterest)
	})

	t.Run("skips when funding fails", func(t *testing.T) {
		fs := &fakeStore{}
		calls := 0
		src := fakeSnapshots{fundingErr: errors.New("timeout"), fundingCalls: &calls}
		ing := NewIngestor(fs, src, Config{Symbol: "BTCUSDT", SnapshotAttempts: 2, SnapshotRetryDelay: time.Millisecond}, quietLogger())
		assert.False(t, ing.CaptureSnapshot(context.Background()))
		assert.Empty(t, fs.stored())
		assert.Equal(t, 2, calls)
	})

	t.Run("skips when open interest fails", func(t *testing.T) {
		fs := &fakeStore{}
		ing := NewIngestor(fs, fakeSnapshots{oiErr: errors.New("429")}, Config{Symbol: "BTCUSDT"}, quietLogger())
		assert.False(t, ing.CaptureSnapshot(context.Background()))
		assert.Empty(t, fs.stored())
	})
}

type stubStream struct{ ran chan struct{} }

func (s stubStream) Run(ctx context.Context) {
	close(s.ran)
	<-ctx.Done()
}

func TestIngestor_RunStartsStreamsAndSnapshots(t *testing.T) {
	fs := &fakeStore{}
	ing := NewIngestor(fs, fakeSnapshots{}, Config{Symbol: "BTCUSDT", SnapshotSchedule: "@every 1h"}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s := stubStream{ran: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx, s) }()

	select {
	case <-s.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not started")
	}
	cancel()
	require.NoError(t, <-done)

	stored := fs.stored()
	require.NotEmpty(t, stored)
	assert.Equal(t, models.SourceSnapshot, stored[0].Source())
}

func TestIngestor_RunRejectsBadSchedule(t *testing.T) {
	ing := NewIngestor(&fakeStore{}, fakeSnapshots{}, Config{Symbol: "BTCUSDT", SnapshotSchedule: "not a schedule"}, quietLogger())
	assert.Error(t, ing.Run(context.Background()))
}
