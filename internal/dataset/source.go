package dataset

import (
	"context"

	"blocksim/internal/market"
)

// FetchRequest 对远端数据源的一次拉取请求 (毫秒时间戳, Interval 用远端写法)。
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64
	End      int64
	Limit    int
}

// Source 远端 K 线来源。实现方负责把结果按 OpenTime 升序返回,
// 且只返回已收盘的 K 线。
type Source interface {
	Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error)
	Name() string
}
