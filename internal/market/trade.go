package market

// Trade 一笔已完成成交, 只增不改。
// PnL 仅在平仓方向 (SELL) 的成交上出现。
type Trade struct {
	ID        string   `json:"id"`
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	Quantity  float64  `json:"quantity"`
	Price     float64  `json:"price"`
	Time      int64    `json:"time"`
	BlockType string   `json:"block_type,omitempty"`
	PnL       *float64 `json:"pnl,omitempty"`
}

// EquityPoint 每根 K 线一条净值记录:
// equity = cash + Σ(position.CurrentPrice × position.Quantity)。
type EquityPoint struct {
	Time   int64   `json:"time"`
	Equity float64 `json:"equity"`
}
