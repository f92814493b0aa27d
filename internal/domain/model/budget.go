package model

import (
	"fmt"
	"time"
)

// BudgetPeriod is the window a budget applies to.
type BudgetPeriod string

const (
	BudgetPeriodDaily   BudgetPeriod = "daily"
	BudgetPeriodWeekly  BudgetPeriod = "weekly"
	BudgetPeriodMonthly BudgetPeriod = "monthly"
)

// Valid returns true if the period is one of the known periods.
func (p BudgetPeriod) Valid() bool {
	switch p {
	case BudgetPeriodDaily, BudgetPeriodWeekly, BudgetPeriodMonthly:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for BudgetPeriod.
func (p *BudgetPeriod) UnmarshalText(text []byte) error {
	bp := BudgetPeriod(text)
	if !bp.Valid() {
		return fmt.Errorf("invalid budget period: %q", string(text))
	}
	*p = bp
	return nil
}

// AlertThresholds are the consumption percentages at which a budget fires an
// alert, ascending. At most one alert fires per usage update, the highest
// threshold crossed by that update.
var AlertThresholds = []int{50, 75, 90, 100}

// Budget tracks token and cost consumption against configured limits for one
// period window.
type Budget struct {
	ID               string       `json:"id" db:"id"`
	Period           BudgetPeriod `json:"period" db:"period"`
	TokenLimit       int64        `json:"token_limit" db:"token_limit"`
	CostLimit        float64      `json:"cost_limit" db:"cost_limit"`
	TokensUsed       int64        `json:"tokens_used" db:"tokens_used"`
	CostUsed         float64      `json:"cost_used" db:"cost_used"`
	AutoPauseAtLimit bool         `json:"auto_pause_at_limit" db:"auto_pause_at_limit"`
	IsPaused         bool         `json:"is_paused" db:"is_paused"`
	Active           bool         `json:"active" db:"active"`
	PeriodStart      time.Time    `json:"period_start" db:"period_start"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// UsedPercent returns max(token consumption %, cost consumption %). A zero
// limit contributes zero so a budget configured for only one dimension is
// judged on that dimension alone.
func (b *Budget) UsedPercent() float64 {
	var tokenPct, costPct float64
	if b.TokenLimit > 0 {
		tokenPct = float64(b.TokensUsed) / float64(b.TokenLimit) * 100
	}
	if b.CostLimit > 0 {
		costPct = b.CostUsed / b.CostLimit * 100
	}
	if tokenPct > costPct {
		return tokenPct
	}
	return costPct
}

// CrossedThreshold returns the highest alert threshold crossed when usage
// moves from beforePct to afterPct, or 0 when none was crossed.
func CrossedThreshold(beforePct, afterPct float64) int {
	crossed := 0
	for _, t := range AlertThresholds {
		if beforePct < float64(t) && afterPct >= float64(t) {
			crossed = t
		}
	}
	return crossed
}

// BudgetUsage is the outcome of one atomic usage increment: the budget row
// immediately before the update and immediately after it. Alerting compares
// the two, so every crossing is attributed to exactly one update even under
// concurrent writers.
type BudgetUsage struct {
	Before Budget
	After  Budget
}

// BudgetStatus is a read-only snapshot used for reporting.
type BudgetStatus struct {
	Budget      Budget  `json:"budget"`
	UsedPercent float64 `json:"used_percent"`
}
