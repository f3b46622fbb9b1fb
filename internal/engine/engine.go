package engine

import (
	"blocksim/internal/logger"
	"blocksim/internal/strategy"
)

// Engine 块执行器, 本身无状态: 给一个块加一个上下文,
// 返回零或一个动作。动作如何落地由调用方决定, 回测写进
// 内部账本, 实盘交给外部组合接口, 引擎不关心消费方。
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// evalState 单次遍历内的门闩状态, 不跨 K 线保留。
type evalState struct {
	cooldownBlocked bool
}

// EvaluateBlock 纯分发: 单块求值, 不受同轮其他块影响。
func (e *Engine) EvaluateBlock(b strategy.Block, ctx *Context) *Action {
	return e.evaluate(b.Normalize(), ctx, &evalState{})
}

// Evaluate 按列表顺序对整条策略求值一遍, 每根 K 线一次。
// 顺序即优先级。唯一的提前退出: MAX_DRAWDOWN 熔断给出 SELL 后,
// 本根剩余块不再评估。
func (e *Engine) Evaluate(blocks []strategy.Block, ctx *Context) []Action {
	st := &evalState{}
	out := make([]Action, 0, len(blocks))
	for _, raw := range blocks {
		b := raw.Normalize()
		act := e.evaluate(b, ctx, st)
		if act == nil {
			continue
		}
		out = append(out, *act)
		if act.Type == ActionSell && act.BlockKind == strategy.KindMaxDrawdown {
			logger.Warnf("[engine] 回撤熔断, 跳过本根剩余 %d 个块", len(blocks)-len(out))
			break
		}
	}
	return out
}

func (e *Engine) evaluate(b strategy.Block, ctx *Context, st *evalState) *Action {
	if ctx == nil {
		return nil
	}
	if st.cooldownBlocked && b.Category == strategy.CategoryEntry {
		return skipAction(b, "冷却期内, 入场块不评估")
	}
	switch b.Kind {
	case strategy.KindMarketBuy:
		return e.marketBuy(b, ctx)
	case strategy.KindBuyOnDip:
		return e.buyOnDip(b, ctx)
	case strategy.KindLimitBuy:
		return e.limitBuy(b, ctx)
	case strategy.KindMarketSell:
		return e.marketSell(b, ctx)
	case strategy.KindTakeProfit:
		return e.takeProfit(b, ctx)
	case strategy.KindStopLoss:
		return e.stopLoss(b, ctx)
	case strategy.KindTrailingStop:
		return e.trailingStop(b, ctx)
	case strategy.KindLimitSell:
		return e.limitSell(b, ctx)
	case strategy.KindCooldown:
		return e.cooldown(b, ctx, st)
	case strategy.KindRSISignal:
		return e.rsiSignal(b, ctx)
	case strategy.KindMACDCross:
		return e.macdCross(b, ctx)
	case strategy.KindMACross:
		return e.maCross(b, ctx)
	case strategy.KindPositionSize:
		return e.positionSize(b, ctx)
	case strategy.KindMaxDrawdown:
		return e.maxDrawdown(b, ctx)
	default:
		return skipAction(b, "未知块类型 %s, 跳过", b.Kind)
	}
}
