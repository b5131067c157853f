// Package policy adapts the external decision model to the trading loop.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gregtusar/liqtrader/pkg/models"
)

// ErrInvalidAction means the model answered with a code outside {0, 1, 2}.
var ErrInvalidAction = errors.New("invalid action code")

// Policy maps a feature window to an action code. Implementations must be deterministic.
type Policy interface {
	Predict(ctx context.Context, w models.Window) (int, error)
}

// Decide runs p and maps the code to an Action.
func Decide(ctx context.Context, p Policy, w models.Window) (models.Action, error) {
	code, err := p.Predict(ctx, w)
	if err != nil {
		return models.ActionHold, err
	}
	action, err := models.ParseAction(code)
	if err != nil {
		return models.ActionHold, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return action, nil
}

type predictRequest struct {
	Model         string      `json:"model,omitempty"`
	Columns       []string    `json:"columns"`
	Observation   [][]float64 `json:"observation"`
	Deterministic bool        `json:"deterministic"`
}

type predictResponse struct {
	Action *int   `json:"action"`
	Error  string `json:"error,omitempty"`
}

// HTTPPolicy posts the window to a model server and reads back {"action": n}.
type HTTPPolicy struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

func NewHTTPPolicy(endpoint, model string, timeout time.Duration) *HTTPPolicy {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPolicy{
		endpoint:   endpoint,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPPolicy) Predict(ctx context.Context, w models.Window) (int, error) {
	body, err := json.Marshal(predictRequest{
		Model:         p.model,
		Columns:       w.Columns,
		Observation:   w.Matrix(),
		Deterministic: true,
	})
	if err != nil {
		return 0, fmt.Errorf("encode window: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("policy request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read policy response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("policy server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out predictResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode policy response: %w", err)
	}
	if out.Error != "" {
		return 0, fmt.Errorf("policy error: %s", out.Error)
	}
	if out.Action == nil {
		return 0, fmt.Errorf("policy response missing action")
	}
	return *out.Action, nil
}

// Static always answers with the same action. Used for dry runs.
type Static models.Action

func (s Static) Predict(ctx context.Context, w models.Window) (int, error) {
	return int(s), nil
}
