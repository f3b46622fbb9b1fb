package backtest

import (
	"context"
	"fmt"

	"blocksim/internal/engine"
	"blocksim/internal/indicator"
	"blocksim/internal/logger"
	"blocksim/internal/market"
	"blocksim/internal/order"
	"blocksim/internal/strategy"
)

// Runner 同步回测核心: 固定输入, 不碰进程级状态, 不做 I/O。
// 同一组 (blocks, bars, initialCapital) 跑多少遍结果都逐字节一致。
// 策略合法性由上游校验, Runner 不重复校验。
type Runner struct {
	cfg        BacktestConfig
	bars       market.Candles
	blocks     []strategy.Block
	eng        *engine.Engine
	onProgress func(done, total int)
}

// NewRunner 组装一次回测。空 K 线序列与非正初始资金是环境级
// 硬失败, 这里直接拒绝, 不进入循环。
func NewRunner(cfg BacktestConfig, bars []market.Candle) (*Runner, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("%w: %.4f", ErrInvalidCapital, cfg.InitialCapital)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s~%s", ErrNoData, cfg.Symbol, cfg.StartDate, cfg.EndDate)
	}
	series := market.Candles(bars)
	if err := series.Validate(); err != nil {
		return nil, fmt.Errorf("历史数据非法: %w", err)
	}
	blocks := make([]strategy.Block, 0, len(cfg.Blocks))
	for _, b := range cfg.Blocks {
		blocks = append(blocks, b.Normalize())
	}
	return &Runner{
		cfg:    cfg,
		bars:   series,
		blocks: blocks,
		eng:    engine.New(),
	}, nil
}

// SetProgressFunc 注册进度回调, 按步长间隔触发, 末根必报。
func (r *Runner) SetProgressFunc(fn func(done, total int)) {
	r.onProgress = fn
}

// Run 逐根重放。取消在两根 K 线之间协作式检查:
// 进行中的一根跑完才退出, 未完成的净值曲线整体丢弃。
func (r *Runner) Run(ctx context.Context) (*BacktestResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	led := newLedger(r.cfg.InitialCapital)
	cache := indicator.NewCache()

	total := len(r.bars)
	step := total / 20
	if step < 10 {
		step = 10
	}

	var (
		pending       []*order.Order
		priceHistory  = make([]float64, 0, total)
		equityCurve   = make([]market.EquityPoint, 0, total)
		dailyReturns  = make([]float64, 0, total)
		peakEquity    float64
		barsSinceExit = -1
		prevEquity    float64
	)

	for i := range r.bars {
		select {
		case <-ctx.Done():
			logger.Infof("[backtest] %s 在第 %d/%d 根被取消", r.cfg.Symbol, i, total)
			return nil, ctx.Err()
		default:
		}
		bar := r.bars[i]
		var prevBar *market.Candle
		if i > 0 {
			prevBar = &r.bars[i-1]
			if barsSinceExit >= 0 {
				barsSinceExit++
			}
		}

		priceHistory = append(priceHistory, bar.Close)
		led.markToMarket(bar.Close)
		if eq := led.equityFloat(); eq > peakEquity {
			peakEquity = eq
		}

		pending, barsSinceExit = r.resolvePending(pending, bar, prevBar, led, barsSinceExit)

		ectx := &engine.Context{
			Bar:           bar,
			PrevBar:       prevBar,
			Portfolio:     led.snapshot(),
			Series:        map[string][]float64{"prices": priceHistory},
			Mode:          engine.ModeBacktest,
			PeakEquity:    peakEquity,
			BarsSinceExit: barsSinceExit,
			Cache:         cache,
		}
		for _, act := range r.eng.Evaluate(r.blocks, ectx) {
			pending, barsSinceExit = r.applyAction(act, bar, led, pending, barsSinceExit)
		}

		eq := led.equityFloat()
		equityCurve = append(equityCurve, market.EquityPoint{Time: bar.OpenTime, Equity: eq})
		if i > 0 {
			ret := 0.0
			if prevEquity > 0 {
				ret = (eq - prevEquity) / prevEquity * 100
			}
			dailyReturns = append(dailyReturns, ret)
		}
		prevEquity = eq

		if r.onProgress != nil && ((i+1)%step == 0 || i == total-1) {
			r.onProgress(i+1, total)
		}
	}

	metrics := computeMetrics(r.cfg.InitialCapital, led.trades, equityCurve, dailyReturns)
	logger.Infof("[backtest] %s 完成: %d 根, %d 笔成交, 收益 %.2f%%, 最大回撤 %.2f%%",
		r.cfg.Symbol, total, len(led.trades), metrics.TotalReturnPercent, metrics.MaxDrawdownPercent)
	return &BacktestResult{
		Trades:       led.trades,
		Metrics:      metrics,
		EquityCurve:  equityCurve,
		DailyReturns: dailyReturns,
	}, nil
}

// resolvePending 在策略评估之前结算所有挂单。成交或撤销的订单
// 移出队列, 未触发的留到下一根。买入成交遇到资金不足按预期情况
// 撤单, 不报错。
func (r *Runner) resolvePending(pending []*order.Order, bar market.Candle, prevBar *market.Candle, led *ledger, barsSinceExit int) ([]*order.Order, int) {
	if len(pending) == 0 {
		return pending, barsSinceExit
	}
	still := make([]*order.Order, 0, len(pending))
	for _, o := range pending {
		res := order.Check(o, bar, prevBar)
		if !res.Filled {
			if !o.Terminal() {
				still = append(still, o)
			}
			continue
		}
		switch o.Side {
		case order.SideBuy:
			if ok, reason := led.buy(o.Symbol, o.Quantity, res.FillPrice, bar.OpenTime, o.BlockType); !ok {
				_ = o.Cancel()
				logger.Warnf("[backtest] 挂单 %s 成交失败已撤销: %s", o.ID, reason)
				continue
			}
			_ = o.Fill()
			logger.Debugf("[backtest] 挂单 %s 买入成交 @ %.4f: %s", o.ID, res.FillPrice, res.Reason)
		case order.SideSell:
			if _, ok, reason := led.sell(o.Symbol, o.Quantity, res.FillPrice, bar.OpenTime, o.BlockType); !ok {
				_ = o.Cancel()
				logger.Warnf("[backtest] 挂单 %s 成交失败已撤销: %s", o.ID, reason)
				continue
			}
			_ = o.Fill()
			barsSinceExit = 0
			logger.Debugf("[backtest] 挂单 %s 卖出成交 @ %.4f: %s", o.ID, res.FillPrice, res.Reason)
		}
	}
	return still, barsSinceExit
}

// applyAction 把引擎动作落进账本。SKIP 是审计记录, 不落地;
// BUY/SELL 立即结算; PLACE_ORDER 入队等后续 K 线结算。
func (r *Runner) applyAction(act engine.Action, bar market.Candle, led *ledger, pending []*order.Order, barsSinceExit int) ([]*order.Order, int) {
	switch act.Type {
	case engine.ActionBuy:
		if ok, reason := led.buy(act.Symbol, act.Quantity, act.Price, bar.OpenTime, string(act.BlockKind)); !ok {
			logger.Debugf("[backtest] 买入未执行: %s", reason)
		}
	case engine.ActionSell:
		if _, ok, reason := led.sell(act.Symbol, act.Quantity, act.Price, bar.OpenTime, string(act.BlockKind)); !ok {
			logger.Debugf("[backtest] 卖出未执行: %s", reason)
		} else {
			barsSinceExit = 0
		}
	case engine.ActionPlaceOrder:
		o := order.New(act.Symbol, act.OrderType, act.Side, act.Quantity, act.Price, bar.OpenTime, string(act.BlockKind))
		pending = append(pending, o)
		logger.Debugf("[backtest] 挂单入队 %s %s %s %.4f @ %.4f", o.ID, o.Type, o.Side, o.Quantity, o.Price)
	}
	return pending, barsSinceExit
}
