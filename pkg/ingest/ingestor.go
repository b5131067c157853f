// Package ingest persists normalized stream ticks and periodic funding/open-interest snapshots.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/gregtusar/liqtrader/pkg/metrics"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/gregtusar/liqtrader/pkg/retry"
	"github.com/gregtusar/liqtrader/pkg/store"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SnapshotSource provides the request/response market data captured on a schedule.
type SnapshotSource interface {
	FundingRate(ctx context.Context, symbol string) (models.FundingRate, error)
	OpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error)
}

// Stream is a long-running channel subscription.
type Stream interface {
	Run(ctx context.Context)
}

type Config struct {
	Symbol string
	// QueueCapacity bounds pending writes per channel. When it is reached Handle waits for room,
	// unless DropWhenFull is set, in which case the tick is dropped.
	QueueCapacity int
	DropWhenFull  bool
	WriteTimeout  time.Duration
	// SnapshotSchedule is a cron spec, e.g. "@every 5m" or "*/5 * * * *".
	SnapshotSchedule string
	// SnapshotAttempts bounds the tries of each snapshot sub-call.
	SnapshotAttempts   int
	SnapshotRetryDelay time.Duration
}

type Ingestor struct {
	store     store.TickStore
	snapshots SnapshotSource
	cfg       Config
	logger    *logrus.Logger

	mu    sync.Mutex
	pools map[models.SourceType]*pond.WorkerPool
	now   func() time.Time
}

func NewIngestor(ts store.TickStore, snapshots SnapshotSource, cfg Config, logger *logrus.Logger) *Ingestor {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SnapshotSchedule == "" {
		cfg.SnapshotSchedule = "@every 5m"
	}
	if cfg.SnapshotAttempts < 1 {
		cfg.SnapshotAttempts = 3
	}
	return &Ingestor{
		store:     ts,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger,
		pools:     make(map[models.SourceType]*pond.WorkerPool),
		now:       time.Now,
	}
}

// pool returns the single-worker write queue of a channel so its ticks are stored in arrival order.
func (i *Ingestor) pool(source models.SourceType) *pond.WorkerPool {
	i.mu.Lock()
	defer i.mu.Unlock()

	p, ok := i.pools[source]
	if !ok {
		p = pond.New(1, i.cfg.QueueCapacity,
			pond.MinWorkers(1),
			pond.PanicHandler(func(r interface{}) {
				i.logger.WithFields(logrus.Fields{"source_type": source, "panic": r}).Error("Tick writer panic recovered")
			}))
		i.pools[source] = p
	}
	return p
}

// Handle queues a tick for persistence. With a full queue it blocks the stream reader until a
// write completes, or drops the tick when DropWhenFull is set.
func (i *Ingestor) Handle(tick models.Tick) {
	source := tick.Source()
	metrics.TicksReceived.WithLabelValues(tick.Symbol, string(source)).Inc()

	task := func() { i.write(tick) }
	if !i.cfg.DropWhenFull {
		i.pool(source).Submit(task)
		return
	}
	if !i.pool(source).TrySubmit(task) {
		metrics.TicksDropped.WithLabelValues(tick.Symbol, string(source)).Inc()
		i.logger.WithFields(logrus.Fields{
			"source_type": source,
			"timestamp":   tick.Timestamp,
		}).Error("Write queue full, dropping tick")
	}
}

func (i *Ingestor) write(tick models.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.WriteTimeout)
	defer cancel()

	if err := i.store.Insert(ctx, tick); err != nil {
		metrics.TicksDropped.WithLabelValues(tick.Symbol, string(tick.Source())).Inc()
		i.logger.WithError(err).WithFields(logrus.Fields{
			"source_type": tick.Source(),
			"timestamp":   tick.Timestamp,
		}).Error("Failed to store tick")
	}
}

// CaptureSnapshot stores one funding/open-interest snapshot. If either call fails nothing is stored.
func (i *Ingestor) CaptureSnapshot(ctx context.Context) bool {
	symbol := i.cfg.Symbol
	log := i.logger.WithField("symbol", symbol)

	policy := retry.Policy{MaxAttempts: i.cfg.SnapshotAttempts, Delay: i.cfg.SnapshotRetryDelay}

	funding, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (models.FundingRate, error) {
		return i.snapshots.FundingRate(ctx, symbol)
	})
	if err != nil {
		metrics.Snapshots.WithLabelValues(symbol, "skipped").Inc()
		log.WithError(err).Warn("Funding rate fetch failed, skipping snapshot")
		return false
	}
	oi, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (models.OpenInterest, error) {
		return i.snapshots.OpenInterest(ctx, symbol)
	})
	if err != nil {
		metrics.Snapshots.WithLabelValues(symbol, "skipped").Inc()
		log.WithError(err).Warn("Open interest fetch failed, skipping snapshot")
		return false
	}

	tick := models.NewTick(i.now(), symbol, models.SnapshotPayload{
		FundingRate:       funding.Rate,
		FundingTime:       funding.FundingTime,
		OpenInterest:      oi.Contracts,
		OpenInterestValue: oi.Value,
		OpenInterestTime:  oi.Timestamp,
	})
	if err := i.store.Insert(ctx, tick); err != nil {
		metrics.Snapshots.WithLabelValues(symbol, "failed").Inc()
		log.WithError(err).Error("Failed to store snapshot")
		return false
	}

	metrics.Snapshots.WithLabelValues(symbol, "stored").Inc()
	log.WithFields(logrus.Fields{
		"funding_rate":  funding.Rate,
		"open_interest": oi.Contracts,
	}).Info("Snapshot saved")
	return true
}

// Run starts every stream and the snapshot schedule, and blocks until ctx is done.
// Pending writes are drained before it returns.
func (i *Ingestor) Run(ctx context.Context, streams ...Stream) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(i.cfg.SnapshotSchedule, func() { i.CaptureSnapshot(ctx) }); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s Stream) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}

	i.CaptureSnapshot(ctx)
	scheduler.Start()
	i.logger.WithFields(logrus.Fields{
		"symbol":   i.cfg.Symbol,
		"streams":  len(streams),
		"schedule": i.cfg.SnapshotSchedule,
	}).Info("Stream ingestor started")

	<-ctx.Done()
	<-scheduler.Stop().Done()
	wg.Wait()
	i.Stop()
	i.logger.Info("Stream ingestor stopped")
	return nil
}

// Stop waits for queued writes to finish.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	pools := make([]*pond.WorkerPool, 0, len(i.pools))
	for _, p := range i.pools {
		pools = append(pools, p)
	}
	i.mu.Unlock()

	for _, p := range pools {
		p.StopAndWait()
	}
}
