package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

const (
	mainnetStreamURL = "wss://fstream.binance.com/ws"
	testnetStreamURL = "wss://stream.binancefuture.com/ws"
)

type StreamConfig struct {
	BaseURL       string
	Testnet       bool
	TradeStream   string // aggTrade or trade
	DepthLevels   int
	DepthRateMs   int
	KlineInterval string
	PingInterval  time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

func (c StreamConfig) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Testnet {
		return testnetStreamURL
	}
	return mainnetStreamURL
}

// StreamName returns the raw stream name for source, e.g. btcusdt@forceOrder.
func (c StreamConfig) StreamName(source models.SourceType, symbol string) (string, error) {
	sym := strings.ToLower(symbol)
	switch source {
	case models.SourceTrade:
		name := c.TradeStream
		if name == "" {
			name = "aggTrade"
		}
		return sym + "@" + name, nil
	case models.SourceForcedOrder:
		return sym + "@forceOrder", nil
	case models.SourceDepth:
		levels, rate := c.DepthLevels, c.DepthRateMs
		if levels == 0 {
			levels = 20
		}
		if rate == 0 {
			rate = 100
		}
		return fmt.Sprintf("%s@depth%d@%dms", sym, levels, rate), nil
	case models.SourceKline:
		interval := c.KlineInterval
		if interval == "" {
			interval = "1m"
		}
		return sym + "@kline_" + interval, nil
	}
	return "", fmt.Errorf("no stream for source %q", source)
}

// TickHandler receives every normalized tick of a stream, in arrival order.
type TickHandler func(tick models.Tick)

// MarketStream is one websocket subscription for a single channel. It reconnects until the context ends.
type MarketStream struct {
	url     string
	source  models.SourceType
	symbol  string
	cfg     StreamConfig
	handler TickHandler
	logger  *logrus.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	now       func() time.Time
}

func NewMarketStream(cfg StreamConfig, source models.SourceType, symbol string, handler TickHandler, logger *logrus.Logger) (*MarketStream, error) {
	name, err := cfg.StreamName(source, symbol)
	if err != nil {
		return nil, err
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	return &MarketStream{
		url:     cfg.baseURL() + "/" + name,
		source:  source,
		symbol:  strings.ToUpper(symbol),
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (s *MarketStream) URL() string { return s.url }

// Run connects, reads and reconnects with jittered backoff until ctx is done.
func (s *MarketStream) Run(ctx context.Context) {
	b := &backoff.Backoff{Min: s.cfg.ReconnectMin, Max: s.cfg.ReconnectMax, Factor: 2, Jitter: true}
	log := s.logger.WithFields(logrus.Fields{"source_type": s.source, "symbol": s.symbol})

	for {
		if err := s.connect(ctx); err != nil {
			delay := b.Duration()
			log.WithError(err).WithField("retry_in", delay.String()).Error("Failed to connect market stream")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		log.WithField("url", s.url).Info("Market stream connected")
		b.Reset()

		connCtx, cancel := context.WithCancel(ctx)
		go s.keepAlive(connCtx)
		s.readLoop(connCtx)
		cancel()
		s.handleDisconnect()

		if ctx.Err() != nil {
			log.Info("Market stream stopped")
			return
		}
		delay := b.Duration()
		log.WithField("retry_in", delay.String()).Warn("Market stream disconnected, reconnecting")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (s *MarketStream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	s.conn = conn
	s.connected = true
	return nil
}

func (s *MarketStream) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	// Unblock ReadMessage on shutdown.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WithError(err).WithField("source_type", s.source).Error("Failed to read websocket message")
			}
			return
		}
		tick, err := ParseTick(s.source, data, s.symbol, s.now())
		if err != nil {
			s.logger.WithError(err).WithField("source_type", s.source).Warn("Dropping malformed message")
			continue
		}
		s.handler(tick)
	}
}

func (s *MarketStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.connected {
				deadline := time.Now().Add(10 * time.Second)
				if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					s.logger.WithError(err).WithField("source_type", s.source).Error("Failed to send ping")
					s.conn.Close()
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MarketStream) handleDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	if s.conn != nil {
		s.conn.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
