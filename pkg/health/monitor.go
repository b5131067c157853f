// Package health watches store freshness and raises gap alerts.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/liqtrader/pkg/metrics"
	"github.com/gregtusar/liqtrader/pkg/store"
	"github.com/sirupsen/logrus"
)

// ErrNoTicks is reported when the store has nothing for the symbol.
var ErrNoTicks = store.ErrNoTicks

type LatestSource interface {
	LatestTimestamp(ctx context.Context, symbol string) (time.Time, error)
}

// Status is the outcome of one freshness check.
type Status struct {
	Symbol     string    `json:"symbol"`
	CheckedAt  time.Time `json:"checked_at"`
	LastTick   time.Time `json:"last_tick,omitempty"`
	AgeSeconds float64   `json:"age_seconds"`
	Gap        bool      `json:"gap"`
	Error      string    `json:"error,omitempty"`
}

type Config struct {
	Symbol    string
	Threshold time.Duration
	Interval  time.Duration
}

type Monitor struct {
	source  LatestSource
	alerter Alerter
	cfg     Config
	logger  *logrus.Logger
	now     func() time.Time
}

func NewMonitor(source LatestSource, alerter Alerter, cfg Config, logger *logrus.Logger) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 60 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}
	return &Monitor{source: source, alerter: alerter, cfg: cfg, logger: logger, now: time.Now}
}

// IsGap reports whether a tick at last is stale at now. Exactly threshold is not a gap.
func IsGap(last, now time.Time, threshold time.Duration) bool {
	return now.Sub(last) > threshold
}

// Check computes the current tick age without alerting.
func (m *Monitor) Check(ctx context.Context) (Status, error) {
	now := m.now().UTC()
	st := Status{Symbol: m.cfg.Symbol, CheckedAt: now}

	last, err := m.source.LatestTimestamp(ctx, m.cfg.Symbol)
	if err != nil {
		st.Gap = true
		st.Error = err.Error()
		return st, err
	}

	st.LastTick = last.UTC()
	st.AgeSeconds = now.Sub(last).Seconds()
	st.Gap = IsGap(last, now, m.cfg.Threshold)
	metrics.TickAge.WithLabelValues(m.cfg.Symbol).Set(st.AgeSeconds)
	return st, nil
}

// Poll runs one check and alerts on a gap, an empty store or an unreachable store.
func (m *Monitor) Poll(ctx context.Context) Status {
	st, err := m.Check(ctx)

	var msg string
	switch {
	case errors.Is(err, ErrNoTicks):
		msg = fmt.Sprintf("No data found for %s", m.cfg.Symbol)
	case err != nil:
		msg = fmt.Sprintf("Health check failed for %s: %v", m.cfg.Symbol, err)
	case st.Gap:
		msg = fmt.Sprintf("Data gap detected! Last data was %.0f seconds ago (at %s)",
			st.AgeSeconds, st.LastTick.Format(time.RFC3339))
	default:
		m.logger.WithFields(logrus.Fields{
			"symbol":      m.cfg.Symbol,
			"age_seconds": st.AgeSeconds,
		}).Debug("Data fresh")
		return st
	}

	metrics.Gaps.WithLabelValues(m.cfg.Symbol).Inc()
	if err := m.alerter.Alert(ctx, Alert{Symbol: m.cfg.Symbol, Message: msg, Status: st}); err != nil {
		m.logger.WithError(err).Error("Failed to deliver gap alert")
	}
	return st
}

// Run polls every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.WithFields(logrus.Fields{
		"symbol":    m.cfg.Symbol,
		"threshold": m.cfg.Threshold.String(),
		"interval":  m.cfg.Interval.String(),
	}).Info("Starting gap monitor")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Gap monitor stopped")
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}
