package dataset

import (
	"context"
	"time"

	"blocksim/internal/market"
)

// Provider 把本地 K 线库适配成回测侧的数据源接口:
// 先同步补齐缺口, 再把区间内的完整序列交给回测。
type Provider struct {
	svc *Service
}

func NewProvider(svc *Service) *Provider {
	return &Provider{svc: svc}
}

func (p *Provider) Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]market.Candle, error) {
	return p.svc.EnsureRange(ctx, symbol, timeframe, start.UnixMilli(), end.UnixMilli())
}
