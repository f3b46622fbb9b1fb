package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blocksim/internal/market"
	"blocksim/internal/pkg/circuit"
)

const (
	fetchFailureThreshold = 5
	fetchRecoveryTimeout  = 30 * time.Second
)

// guardedSource 给远端数据源套一层熔断: 连续失败后快速拒绝,
// 避免上游故障期间反复打满限速额度。取消类错误不计入失败。
type guardedSource struct {
	inner   Source
	breaker *circuit.Breaker
}

func guardSource(src Source) Source {
	return &guardedSource{
		inner:   src,
		breaker: circuit.NewBreaker(src.Name(), fetchFailureThreshold, fetchRecoveryTimeout),
	}
}

func (g *guardedSource) Name() string {
	return g.inner.Name()
}

func (g *guardedSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	if !g.breaker.Allow() {
		return nil, fmt.Errorf("%s 熔断中, 暂停拉取", g.inner.Name())
	}
	data, err := g.inner.Fetch(ctx, req)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			g.breaker.RecordFailure()
		}
		return nil, err
	}
	g.breaker.RecordSuccess()
	return data, nil
}
