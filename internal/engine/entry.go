package engine

import (
	"strings"

	"blocksim/internal/order"
	"blocksim/internal/strategy"
)

// 入场块。买入动作统一在这里做资金预检:
// cost 用目标成交价估算, 超出现金即降级为 SKIP。

func (e *Engine) marketBuy(b strategy.Block, ctx *Context) *Action {
	var p strategy.MarketBuyParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if strings.TrimSpace(p.Ticker) == "" || p.Quantity <= 0 {
		return skipAction(b, "MARKET_BUY 缺少 ticker 或 quantity")
	}
	price := ctx.Bar.Close
	cost := p.Quantity * price
	if cost > ctx.Portfolio.Cash {
		return skipAction(b, "资金不足: 需要 %.2f, 可用 %.2f", cost, ctx.Portfolio.Cash)
	}
	return buyAction(b, p.Ticker, p.Quantity, price,
		"市价买入 %.4f × %.2f", p.Quantity, price)
}

func (e *Engine) buyOnDip(b strategy.Block, ctx *Context) *Action {
	var p strategy.BuyOnDipParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if strings.TrimSpace(p.Ticker) == "" || p.Quantity <= 0 || p.Percentage <= 0 {
		return skipAction(b, "BUY_ON_DIP 缺少 ticker/quantity/percentage")
	}
	if ctx.PrevBar == nil {
		return skipAction(b, "首根 K 线没有前收, 无法计算回撤")
	}
	prevClose := ctx.PrevBar.Close
	if prevClose <= 0 {
		return skipAction(b, "前收非法: %.4f", prevClose)
	}
	drop := (prevClose - ctx.Bar.Close) / prevClose * 100
	if drop < p.Percentage {
		return skipAction(b, "回撤 %.2f%% 未达到 %.2f%% 阈值", drop, p.Percentage)
	}
	price := ctx.Bar.Close
	cost := p.Quantity * price
	if cost > ctx.Portfolio.Cash {
		return skipAction(b, "资金不足: 需要 %.2f, 可用 %.2f", cost, ctx.Portfolio.Cash)
	}
	return buyAction(b, p.Ticker, p.Quantity, price,
		"逢跌买入: 回撤 %.2f%% ≥ %.2f%%", drop, p.Percentage)
}

// LIMIT_BUY: 当根 low 已触及限价就直接按限价成交,
// 否则交给编排器挂一张限价买单, 留待后续 K 线判定。
func (e *Engine) limitBuy(b strategy.Block, ctx *Context) *Action {
	var p strategy.LimitBuyParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if strings.TrimSpace(p.Ticker) == "" || p.Quantity <= 0 || p.Price <= 0 {
		return skipAction(b, "LIMIT_BUY 缺少 ticker/quantity/price")
	}
	if ctx.Bar.Low <= p.Price {
		cost := p.Quantity * p.Price
		if cost > ctx.Portfolio.Cash {
			return skipAction(b, "资金不足: 需要 %.2f, 可用 %.2f", cost, ctx.Portfolio.Cash)
		}
		return buyAction(b, p.Ticker, p.Quantity, p.Price,
			"限价买入立即成交: low %.4f ≤ 限价 %.4f", ctx.Bar.Low, p.Price)
	}
	return placeOrderAction(b, p.Ticker, order.TypeLimit, order.SideBuy, p.Quantity, p.Price,
		"挂限价买单 @ %.4f, 当根 low %.4f 未触及", p.Price, ctx.Bar.Low)
}
