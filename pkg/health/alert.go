package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type Alert struct {
	Symbol  string
	Message string
	Status  Status
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts as warnings.
type LogAlerter struct {
	logger *logrus.Logger
}

func NewLogAlerter(logger *logrus.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Alert(ctx context.Context, a Alert) error {
	l.logger.WithFields(logrus.Fields{
		"symbol":      a.Symbol,
		"age_seconds": a.Status.AgeSeconds,
		"last_tick":   a.Status.LastTick,
	}).Warn(a.Message)
	return nil
}

// TelegramAlerter posts alerts to a chat through the Bot API.
type TelegramAlerter struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramAlerter(botToken, chatID string) *TelegramAlerter {
	return &TelegramAlerter{
		baseURL:  "https://api.telegram.org",
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramAlerter) Alert(ctx context.Context, a Alert) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    "⚠️ " + a.Message,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an alert out to every alerter and returns the first failure.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var first error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
