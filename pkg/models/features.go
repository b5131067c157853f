package models

import (
	"fmt"
	"time"
)

// FeatureRow is one 1-minute bucket. Values follow the owning table's Columns.
type FeatureRow struct {
	Start  time.Time
	Values []float64
}

// FeatureTable is an ordered bucket table, ascending by Start with unique keys.
type FeatureTable struct {
	Columns []string
	Rows    []FeatureRow
}

func (t *FeatureTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Column returns the values of the named column, or nil when absent.
func (t *FeatureTable) Column(name string) []float64 {
	idx := -1
	for i, c := range t.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Values[idx]
	}
	return out
}

// Window is W consecutive feature rows handed to the policy as-is.
type Window struct {
	Columns []string
	Rows    []FeatureRow
}

func (w Window) Len() int { return len(w.Rows) }

// Matrix returns the window values as rows x columns.
func (w Window) Matrix() [][]float64 {
	out := make([][]float64, len(w.Rows))
	for i, r := range w.Rows {
		row := make([]float64, len(r.Values))
		copy(row, r.Values)
		out[i] = row
	}
	return out
}

func (w Window) Start() time.Time {
	if len(w.Rows) == 0 {
		return time.Time{}
	}
	return w.Rows[0].Start
}

func (w Window) End() time.Time {
	if len(w.Rows) == 0 {
		return time.Time{}
	}
	return w.Rows[len(w.Rows)-1].Start
}

type Action int

const (
	ActionHold Action = 0
	ActionBuy  Action = 1
	ActionSell Action = 2
)

// ParseAction maps a policy action code to an Action.
func ParseAction(code int) (Action, error) {
	switch Action(code) {
	case ActionHold, ActionBuy, ActionSell:
		return Action(code), nil
	}
	return ActionHold, fmt.Errorf("action code %d out of range", code)
}

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "BUY"
	case ActionSell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// OrderSide returns the entry side for a trading action.
func (a Action) OrderSide() (OrderSide, bool) {
	switch a {
	case ActionBuy:
		return OrderSideBuy, true
	case ActionSell:
		return OrderSideSell, true
	}
	return "", false
}

// IterationRecord is the per-iteration log entry consumed by monitoring.
type IterationRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Symbol         string    `json:"symbol"`
	Action         string    `json:"action"`
	PolicyAction   string    `json:"policy_action"`
	PositionAmount float64   `json:"position_amount"`
	Balance        float64   `json:"balance"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	LatencyMs      float64   `json:"latency_ms"`
	OrderID        int64     `json:"order_id,omitempty"`
}
