package order

import (
	"fmt"

	"github.com/google/uuid"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type Type string

const (
	TypeMarket    Type = "MARKET"
	TypeLimit     Type = "LIMIT"
	TypeStop      Type = "STOP"
	TypeStopLimit Type = "STOP_LIMIT"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

// Order 一条挂单。状态机只有两条终结路径:
// PENDING → FILLED 或 PENDING → CANCELLED, 终结后不再流转。
type Order struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Type      Type    `json:"type"`
	Side      Side    `json:"side"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	Status    Status  `json:"status"`
	CreatedAt int64   `json:"created_at"`
	BlockType string  `json:"block_type,omitempty"`
}

// New 创建一条 PENDING 挂单。ts 取下单那根 K 线的 OpenTime(毫秒),
// blockType 记录来源块, 成交后写进 Trade。
func New(symbol string, typ Type, side Side, quantity, price float64, ts int64, blockType string) *Order {
	return &Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Type:      typ,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Status:    StatusPending,
		CreatedAt: ts,
		BlockType: blockType,
	}
}

// Terminal 报告订单是否已终结。
func (o *Order) Terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// Fill 将 PENDING 订单置为 FILLED。已终结的订单拒绝再流转。
func (o *Order) Fill() error {
	if o.Terminal() {
		return fmt.Errorf("订单 %s 已终结(%s), 不能再成交", o.ID, o.Status)
	}
	o.Status = StatusFilled
	return nil
}

// Cancel 将 PENDING 订单置为 CANCELLED。已终结的订单拒绝再流转。
func (o *Order) Cancel() error {
	if o.Terminal() {
		return fmt.Errorf("订单 %s 已终结(%s), 不能撤销", o.ID, o.Status)
	}
	o.Status = StatusCancelled
	return nil
}
