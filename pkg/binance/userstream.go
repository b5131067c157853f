package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/sirupsen/logrus"
)

// PositionHandler receives position pushes for the watched symbol.
type PositionHandler func(pos models.Position)

// UserStream follows the account's user data stream and forwards ACCOUNT_UPDATE positions.
type UserStream struct {
	client            *Client
	symbol            string
	handler           PositionHandler
	logger            *logrus.Logger
	reconnectDelay    time.Duration
	keepAliveInterval time.Duration
}

func NewUserStream(client *Client, symbol string, handler PositionHandler, logger *logrus.Logger) *UserStream {
	return &UserStream{
		client:            client,
		symbol:            symbol,
		handler:           handler,
		logger:            logger,
		reconnectDelay:    5 * time.Second,
		keepAliveInterval: 30 * time.Minute,
	}
}

// Run blocks until ctx is done. Only the initial listen key request can fail it.
func (u *UserStream) Run(ctx context.Context) error {
	if err := u.client.wait(ctx); err != nil {
		return err
	}
	listenKey, err := u.client.futures.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to get listen key: %w", err)
	}

	go u.keepAliveListenKey(ctx, listenKey)

	for {
		doneC, stopC, err := futures.WsUserDataServe(listenKey, u.handleEvent, u.handleError)
		if err != nil {
			u.logger.WithError(err).Error("Failed to connect user data stream")
			if !sleepCtx(ctx, u.reconnectDelay) {
				return nil
			}
			continue
		}
		u.logger.WithField("symbol", u.symbol).Info("User data stream connected")

		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return nil
		case <-doneC:
			u.logger.Warn("User data stream disconnected, reconnecting")
			if !sleepCtx(ctx, u.reconnectDelay) {
				return nil
			}
		}
	}
}

func (u *UserStream) keepAliveListenKey(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(u.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.client.futures.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				u.logger.WithError(err).Error("Failed to keep listen key alive")
			}
		}
	}
}

func (u *UserStream) handleEvent(event *futures.WsUserDataEvent) {
	if pos, ok := positionFromEvent(event, u.symbol); ok {
		u.handler(pos)
	}
}

func (u *UserStream) handleError(err error) {
	u.logger.WithError(err).Error("User data stream error")
}

func positionFromEvent(event *futures.WsUserDataEvent, symbol string) (models.Position, bool) {
	if event == nil || event.Event != futures.UserDataEventTypeAccountUpdate {
		return models.Position{}, false
	}
	for _, p := range event.AccountUpdate.Positions {
		if p.Symbol != symbol {
			continue
		}
		amt, err := strconv.ParseFloat(p.Amount, 64)
		if err != nil {
			return models.Position{}, false
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnrealizedPnL, 64)
		pos := models.NewPosition(symbol, amt, entry, pnl)
		pos.UpdatedAt = time.UnixMilli(event.Time).UTC()
		return pos, true
	}
	return models.Position{}, false
}
