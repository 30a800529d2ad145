package tradingapi

import (
	"net/url"
	"strconv"
)

// Page is one cursor page of a list endpoint. NextCursor is empty on the
// last page.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type KillSwitchEvent struct {
	EventID   string  `json:"event_id"`
	Enabled   bool    `json:"enabled"`
	Actor     *string `json:"actor"`
	Reason    *string `json:"reason"`
	CreatedAt string  `json:"created_at"`
}

type KillSwitchState struct {
	Enabled      bool              `json:"enabled"`
	RecentEvents []KillSwitchEvent `json:"recent_events"`
}

type AnomalyState struct {
	Detected         bool     `json:"detected"`
	Severity         string   `json:"severity"`
	PriceMovePct     float64  `json:"price_move_pct"`
	BaselineMidPrice *float64 `json:"baseline_mid_price"`
	LatestMidPrice   *float64 `json:"latest_mid_price"`
	BaselineAt       *string  `json:"baseline_at"`
	LatestAt         *string  `json:"latest_at"`
	WindowSeconds    int      `json:"window_seconds"`
	Samples          int      `json:"samples"`
}

// BotStatus is the trading bot summary served by /v1/bot/status
type BotStatus struct {
	Mode             string  `json:"mode"`
	State            string  `json:"state"`
	KillSwitch       bool    `json:"kill_switch"`
	LastCycleAt      *string `json:"last_cycle_at"`
	LastTickAt       *string `json:"last_tick_at"`
	MarketDataStale  bool    `json:"market_data_stale"`
	PortfolioNAVSol  float64 `json:"portfolio_nav_sol"`
	DrawdownSol      float64 `json:"drawdown_sol"`
	AnomalyDetection struct {
		Enabled bool          `json:"enabled"`
		State   *AnomalyState `json:"state"`
	} `json:"anomaly_detection"`
}

type Order struct {
	OrderID       string   `json:"order_id"`
	CycleID       *string  `json:"cycle_id"`
	SignalID      *string  `json:"signal_id"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Qty           float64  `json:"qty"`
	LimitPrice    *float64 `json:"limit_price"`
	Status        string   `json:"status"`
	RiskReason    *string  `json:"risk_reason"`
	ExecutionMode string   `json:"execution_mode"`
	CreatedAt     string   `json:"created_at"`
}

type Fill struct {
	FillID        string   `json:"fill_id"`
	OrderID       string   `json:"order_id"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Qty           float64  `json:"qty"`
	FillPrice     float64  `json:"fill_price"`
	Fee           float64  `json:"fee"`
	SlippageBps   float64  `json:"slippage_bps"`
	FilledAt      string   `json:"filled_at"`
	ExecutionMode string   `json:"execution_mode"`
	TxSignature   *string  `json:"tx_signature"`
	TxSlot        *int64   `json:"tx_slot"`
	NetworkFeeSol *float64 `json:"network_fee_sol"`
}

// OrderFilters narrows /v1/orders. Zero fields are omitted.
type OrderFilters struct {
	Symbol string
	Status string
	From   string
	To     string
	Cursor string
	Limit  int
}

func (f OrderFilters) query() url.Values {
	q := url.Values{}
	setIf(q, "symbol", f.Symbol)
	setIf(q, "status", f.Status)
	setIf(q, "from", f.From)
	setIf(q, "to", f.To)
	setIf(q, "cursor", f.Cursor)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// FillFilters narrows /v1/fills. Zero fields are omitted.
type FillFilters struct {
	Symbol        string
	ExecutionMode string
	From          string
	To            string
	Cursor        string
	Limit         int
}

func (f FillFilters) query() url.Values {
	q := url.Values{}
	setIf(q, "symbol", f.Symbol)
	setIf(q, "execution_mode", f.ExecutionMode)
	setIf(q, "from", f.From)
	setIf(q, "to", f.To)
	setIf(q, "cursor", f.Cursor)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
