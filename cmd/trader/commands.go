package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gregtusar/liqtrader/api"
	"github.com/gregtusar/liqtrader/internal/config"
	"github.com/gregtusar/liqtrader/pkg/binance"
	"github.com/gregtusar/liqtrader/pkg/execution"
	"github.com/gregtusar/liqtrader/pkg/features"
	"github.com/gregtusar/liqtrader/pkg/health"
	"github.com/gregtusar/liqtrader/pkg/ingest"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/gregtusar/liqtrader/pkg/policy"
	"github.com/gregtusar/liqtrader/pkg/store"
	"github.com/gregtusar/liqtrader/pkg/trader"
	"github.com/gregtusar/liqtrader/pkg/window"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newClient(cfg *config.Config, logger *logrus.Logger) *binance.Client {
	return binance.NewClient(binance.ClientConfig{
		APIKey:            cfg.Binance.APIKey,
		APISecret:         cfg.Binance.APISecret,
		Testnet:           cfg.Binance.Testnet,
		RequestsPerSecond: cfg.Binance.RequestsPerSecond,
	}, logger)
}

func newMonitor(cfg *config.Config, st *store.SQLStore, logger *logrus.Logger) *health.Monitor {
	alerters := health.Multi{health.NewLogAlerter(logger)}
	if cfg.Monitor.TelegramToken != "" && cfg.Monitor.TelegramChatID != "" {
		alerters = append(alerters, health.NewTelegramAlerter(cfg.Monitor.TelegramToken, cfg.Monitor.TelegramChatID))
	}
	return health.NewMonitor(st, alerters, health.Config{
		Symbol:    cfg.Trading.Symbol,
		Threshold: cfg.Monitor.Threshold,
		Interval:  cfg.Monitor.Interval,
	}, logger)
}

// serveAPI runs the dashboard in the background when a port is configured.
func serveAPI(ctx context.Context, cfg *config.Config, opts api.Options, logger *logrus.Logger) {
	if cfg.Server.Port <= 0 {
		return
	}
	opts.Symbol = cfg.Trading.Symbol
	opts.Port = cfg.Server.Port
	opts.JWTSecret = cfg.Server.JWTSecret
	srv := api.NewServer(opts, logger)
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.WithError(err).Error("API server stopped")
		}
	}()
}

func newStreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream",
		Short: "Persist market streams and scheduled snapshots into the tick store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signalContext()
			defer cancel()

			st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
			if err != nil {
				return fmt.Errorf("failed to open tick store: %w", err)
			}
			defer st.Close()

			client := newClient(cfg, logger)
			ing := ingest.NewIngestor(st, client, ingest.Config{
				Symbol:             cfg.Trading.Symbol,
				QueueCapacity:      cfg.Database.QueueCapacity,
				DropWhenFull:       cfg.Database.DropWhenFull,
				WriteTimeout:       cfg.Database.WriteTimeout,
				SnapshotSchedule:   cfg.Snapshot.Schedule,
				SnapshotAttempts:   cfg.Snapshot.Attempts,
				SnapshotRetryDelay: cfg.Snapshot.RetryDelay,
			}, logger)

			streamCfg := binance.StreamConfig{
				BaseURL:       cfg.Stream.BaseURL,
				Testnet:       cfg.Binance.Testnet,
				TradeStream:   cfg.Stream.TradeStream,
				DepthLevels:   cfg.Stream.DepthLevels,
				DepthRateMs:   cfg.Stream.DepthRateMs,
				KlineInterval: cfg.Stream.KlineInterval,
				PingInterval:  cfg.Stream.PingInterval,
				ReconnectMin:  cfg.Stream.ReconnectMin,
				ReconnectMax:  cfg.Stream.ReconnectMax,
			}
			var streams []ingest.Stream
			for _, src := range models.StreamSources {
				s, err := binance.NewMarketStream(streamCfg, src, cfg.Trading.Symbol, ing.Handle, logger)
				if err != nil {
					return err
				}
				streams = append(streams, s)
			}

			logger.WithField("symbol", cfg.Trading.Symbol).Info("Streamer is running. Press Ctrl+C to stop.")
			return ing.Run(ctx, streams...)
		},
	}
}

func newPolicy(cfg *config.Config) (policy.Policy, error) {
	if cfg.Policy.Static == "" {
		return policy.NewHTTPPolicy(cfg.Policy.Endpoint, cfg.Policy.Model, cfg.Policy.Timeout), nil
	}
	for _, a := range []models.Action{models.ActionHold, models.ActionBuy, models.ActionSell} {
		if strings.EqualFold(cfg.Policy.Static, a.String()) {
			return policy.Static(a), nil
		}
	}
	return nil, fmt.Errorf("unknown static policy action %q", cfg.Policy.Static)
}

func newTradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trade",
		Short: "Run the decision loop for the configured symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signalContext()
			defer cancel()

			p, err := newPolicy(cfg)
			if err != nil {
				return err
			}

			st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
			if err != nil {
				return fmt.Errorf("failed to open tick store: %w", err)
			}
			defer st.Close()

			client := newClient(cfg, logger)
			exec := execution.NewExecutor(client, execution.Config{
				Symbol:      cfg.Trading.Symbol,
				Leverage:    cfg.Trading.Leverage,
				MaxAttempts: cfg.Execution.MaxAttempts,
				RetryDelay:  cfg.Execution.RetryDelay,
			}, logger)
			exec.Setup(ctx)

			if cfg.Binance.PositionStream {
				us := binance.NewUserStream(client, cfg.Trading.Symbol, exec.ApplyPositionUpdate, logger)
				go func() {
					if err := us.Run(ctx); err != nil {
						logger.WithError(err).Error("User data stream stopped, relying on polling")
					}
				}()
			}

			serveAPI(ctx, cfg, api.Options{
				Health:     newMonitor(cfg, st, logger),
				Iterations: st,
				Position:   exec,
			}, logger)

			loop := trader.NewDecisionLoop(
				features.NewAggregator(st, cfg.Trading.Symbol, logger),
				window.NewBuilder(cfg.Window.Size, cfg.Window.RequireContiguous),
				p, exec, st, st,
				trader.Config{
					Symbol:            cfg.Trading.Symbol,
					Interval:          cfg.Trading.Interval,
					Lookback:          cfg.Features.Lookback,
					Leverage:          cfg.Trading.Leverage,
					Sizing:            cfg.Trading.Sizing,
					Notional:          cfg.Trading.Notional,
					RiskPct:           cfg.Trading.RiskPct,
					StopLossPct:       cfg.Trading.StopLossPct,
					TakeProfitPct:     cfg.Trading.TakeProfitPct,
					Bracket:           cfg.Trading.Bracket,
					ReconnectAttempts: cfg.Execution.ReconnectAttempts,
					ReconnectDelay:    cfg.Execution.ReconnectDelay,
				}, logger)

			logger.WithField("symbol", cfg.Trading.Symbol).Info("Trader is running. Press Ctrl+C to stop.")
			if err := loop.Run(ctx); err != nil {
				return fmt.Errorf("decision loop terminated: %w", err)
			}
			logger.Info("Trader stopped")
			return nil
		},
	}
}

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Alert when the tick store stops receiving data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signalContext()
			defer cancel()

			st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
			if err != nil {
				return fmt.Errorf("failed to open tick store: %w", err)
			}
			defer st.Close()

			mon := newMonitor(cfg, st, logger)
			serveAPI(ctx, cfg, api.Options{Health: mon, Iterations: st}, logger)
			mon.Run(ctx)
			return nil
		},
	}
}

func newFeaturesCmd() *cobra.Command {
	var start, end string

	cmd := &cobra.Command{
		Use:   "features",
		Short: "Aggregate a time range and report the feature table and window counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			to := time.Now().UTC()
			if end != "" {
				if to, err = time.Parse(time.RFC3339, end); err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
			}
			from := to.Add(-cfg.Features.Lookback)
			if start != "" {
				if from, err = time.Parse(time.RFC3339, start); err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
			if err != nil {
				return fmt.Errorf("failed to open tick store: %w", err)
			}
			defer st.Close()

			table, err := features.NewAggregator(st, cfg.Trading.Symbol, logger).Aggregate(ctx, from, to)
			if err != nil {
				return err
			}
			windows := window.NewBuilder(cfg.Window.Size, cfg.Window.RequireContiguous).All(table)

			fields := logrus.Fields{
				"symbol":  cfg.Trading.Symbol,
				"start":   from,
				"end":     to,
				"rows":    table.Len(),
				"columns": strings.Join(table.Columns, ","),
				"windows": len(windows),
			}
			if n := len(windows); n > 0 {
				fields["first_window"] = windows[0].Start()
				fields["last_window"] = windows[n-1].Start()
			}
			logger.WithFields(fields).Info("Feature table built")
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "range start, RFC3339 (default end minus features.lookback)")
	cmd.Flags().StringVar(&end, "end", "", "range end, RFC3339 (default now)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			if ttl <= 0 {
				ttl = cfg.Server.TokenTTL
			}
			token, err := api.IssueToken(cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "dashboard", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default server.token_ttl)")
	return cmd
}
