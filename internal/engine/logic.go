package engine

import (
	"blocksim/internal/strategy"
)

// COOLDOWN: 距上次平仓不足 bars 根时, 拉起门闩,
// 让本轮后续的 ENTRY 块全部跳过。门闩只在单次遍历内有效,
// 块在列表中的位置因此有意义: 排在它前面的入场块不受影响。
func (e *Engine) cooldown(b strategy.Block, ctx *Context, st *evalState) *Action {
	var p strategy.CooldownParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if p.Bars <= 0 {
		return skipAction(b, "COOLDOWN 缺少 bars")
	}
	if ctx.BarsSinceExit < 0 {
		return skipAction(b, "尚未有过平仓, 冷却检查通过")
	}
	if ctx.BarsSinceExit < p.Bars {
		st.cooldownBlocked = true
		return skipAction(b, "冷却中: 距上次平仓 %d 根 < %d 根", ctx.BarsSinceExit, p.Bars)
	}
	return skipAction(b, "冷却结束: 距上次平仓 %d 根 ≥ %d 根", ctx.BarsSinceExit, p.Bars)
}
