package engine

import (
	"fmt"

	"blocksim/internal/order"
	"blocksim/internal/strategy"
)

type ActionType string

const (
	ActionBuy        ActionType = "BUY"
	ActionSell       ActionType = "SELL"
	ActionPlaceOrder ActionType = "PLACE_ORDER"
	ActionSkip       ActionType = "SKIP"
)

// Action 单个块在单根 K 线上的离散执行结果。
// Reason 永远非空, 是整个系统唯一的 "为什么" 审计线索;
// 资金不足、参数缺失、信号未触发这类预期情况一律降级为 SKIP,
// 不抛错误。
type Action struct {
	Type      ActionType    `json:"type"`
	Symbol    string        `json:"symbol,omitempty"`
	Quantity  float64       `json:"quantity,omitempty"`
	Price     float64       `json:"price,omitempty"`
	OrderType order.Type    `json:"order_type,omitempty"`
	Side      order.Side    `json:"side,omitempty"`
	Reason    string        `json:"reason"`
	BlockID   string        `json:"block_id,omitempty"`
	BlockKind strategy.Kind `json:"block_kind,omitempty"`
}

// Actionable 报告动作是否需要编排器改动组合或挂单。
func (a Action) Actionable() bool {
	return a.Type == ActionBuy || a.Type == ActionSell || a.Type == ActionPlaceOrder
}

func skipAction(b strategy.Block, format string, v ...any) *Action {
	return &Action{
		Type:      ActionSkip,
		Reason:    fmt.Sprintf(format, v...),
		BlockID:   b.ID,
		BlockKind: b.Kind,
	}
}

func buyAction(b strategy.Block, symbol string, qty, price float64, format string, v ...any) *Action {
	return &Action{
		Type:      ActionBuy,
		Symbol:    symbol,
		Quantity:  qty,
		Price:     price,
		Reason:    fmt.Sprintf(format, v...),
		BlockID:   b.ID,
		BlockKind: b.Kind,
	}
}

func sellAction(b strategy.Block, symbol string, qty, price float64, format string, v ...any) *Action {
	return &Action{
		Type:      ActionSell,
		Symbol:    symbol,
		Quantity:  qty,
		Price:     price,
		Reason:    fmt.Sprintf(format, v...),
		BlockID:   b.ID,
		BlockKind: b.Kind,
	}
}

func placeOrderAction(b strategy.Block, symbol string, typ order.Type, side order.Side, qty, price float64, format string, v ...any) *Action {
	return &Action{
		Type:      ActionPlaceOrder,
		Symbol:    symbol,
		Quantity:  qty,
		Price:     price,
		OrderType: typ,
		Side:      side,
		Reason:    fmt.Sprintf(format, v...),
		BlockID:   b.ID,
		BlockKind: b.Kind,
	}
}
