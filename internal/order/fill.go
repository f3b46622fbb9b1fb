package order

import (
	"fmt"

	"blocksim/internal/market"
)

// SlippagePct 止损触发后按动量市价成交的固定滑点。
const SlippagePct = 0.001

// FillResult 单根 K 线上对一条挂单的判定结果。
// Reason 永远非空, 无论成交与否都要说明原因。
type FillResult struct {
	Filled    bool    `json:"filled"`
	FillPrice float64 `json:"fill_price,omitempty"`
	Reason    string  `json:"reason"`
}

func noFill(format string, v ...any) FillResult {
	return FillResult{Filled: false, Reason: fmt.Sprintf(format, v...)}
}

func fillAt(price float64, format string, v ...any) FillResult {
	return FillResult{Filled: true, FillPrice: price, Reason: fmt.Sprintf(format, v...)}
}

// Check 判定挂单在 bar 上是否成交。prev 可为 nil;
// 传入时会先走跳空判定: 开盘价已越过限价/止损位的直接按开盘价成交,
// 不再等盘中触及。终结态订单不会被重新判定。
func Check(o *Order, bar market.Candle, prev *market.Candle) FillResult {
	if o == nil {
		return noFill("订单为空")
	}
	if o.Terminal() {
		return noFill("订单已终结 (%s), 不再判定", o.Status)
	}
	switch o.Type {
	case TypeMarket:
		return fillAt(bar.Close, "市价单按收盘价 %.4f 成交", bar.Close)
	case TypeLimit:
		if prev != nil {
			if r, ok := gapFill(o, bar); ok {
				return r
			}
		}
		return checkLimit(o, bar)
	case TypeStop, TypeStopLimit:
		if prev != nil {
			if r, ok := gapFill(o, bar); ok {
				return r
			}
		}
		return checkStop(o, bar)
	default:
		return noFill("未知订单类型 %q", o.Type)
	}
}

// 限价单: 买单要求 low 触及限价, 卖单要求 high 触及限价,
// 成交价恒为限价本身, 从不假设拿到更优价格。
func checkLimit(o *Order, bar market.Candle) FillResult {
	switch o.Side {
	case SideBuy:
		if bar.Low <= o.Price {
			return fillAt(o.Price, "限价买单成交: low %.4f 触及限价 %.4f", bar.Low, o.Price)
		}
		return noFill("限价买单未成交: low %.4f 高于限价 %.4f", bar.Low, o.Price)
	case SideSell:
		if bar.High >= o.Price {
			return fillAt(o.Price, "限价卖单成交: high %.4f 触及限价 %.4f", bar.High, o.Price)
		}
		return noFill("限价卖单未成交: high %.4f 低于限价 %.4f", bar.High, o.Price)
	default:
		return noFill("限价单方向非法 %q", o.Side)
	}
}

// 止损/突破单: 价格穿越触发位即触发。
// STOP 按触发位加 0.1% 不利滑点成交并收敛到当根 K 线的价格区间内;
// STOP_LIMIT 触发条件相同但按限价原价成交, 不加滑点。
func checkStop(o *Order, bar market.Candle) FillResult {
	switch o.Side {
	case SideBuy:
		if bar.High < o.Price {
			return noFill("止损买单未触发: high %.4f 未到触发位 %.4f", bar.High, o.Price)
		}
	case SideSell:
		if bar.Low > o.Price {
			return noFill("止损卖单未触发: low %.4f 未到触发位 %.4f", bar.Low, o.Price)
		}
	default:
		return noFill("止损单方向非法 %q", o.Side)
	}
	if o.Type == TypeStopLimit {
		return fillAt(o.Price, "止损限价单触发, 按限价 %.4f 成交", o.Price)
	}
	px := clampToBar(adversePrice(o.Side, o.Price), bar)
	return fillAt(px, "止损单触发 @ %.4f, 含 %.2f%% 滑点后 %.4f", o.Price, SlippagePct*100, px)
}

// 跳空判定: 开盘价已越过目标位时直接按开盘成交。
// 限价单按开盘价(只会优于限价), STOP 按开盘价加不利滑点,
// STOP_LIMIT 仍按限价原价。
func gapFill(o *Order, bar market.Candle) (FillResult, bool) {
	crossed := false
	switch {
	case o.Type == TypeLimit && o.Side == SideBuy:
		crossed = bar.Open <= o.Price
	case o.Type == TypeLimit && o.Side == SideSell:
		crossed = bar.Open >= o.Price
	case (o.Type == TypeStop || o.Type == TypeStopLimit) && o.Side == SideBuy:
		crossed = bar.Open >= o.Price
	case (o.Type == TypeStop || o.Type == TypeStopLimit) && o.Side == SideSell:
		crossed = bar.Open <= o.Price
	}
	if !crossed {
		return FillResult{}, false
	}
	px := gapFillPrice(o, bar)
	return fillAt(px, "跳空越过 %.4f, 按开盘价路径成交 @ %.4f", o.Price, px), true
}

func gapFillPrice(o *Order, bar market.Candle) float64 {
	switch o.Type {
	case TypeStopLimit:
		return o.Price
	case TypeStop:
		return clampToBar(adversePrice(o.Side, bar.Open), bar)
	default:
		return bar.Open
	}
}

// 不利方向滑点: 买方加价, 卖方折价。
func adversePrice(side Side, level float64) float64 {
	if side == SideBuy {
		return level * (1 + SlippagePct)
	}
	return level * (1 - SlippagePct)
}

func clampToBar(price float64, bar market.Candle) float64 {
	if price < bar.Low {
		return bar.Low
	}
	if price > bar.High {
		return bar.High
	}
	return price
}
