package strategy

import (
	"fmt"
	"strings"
)

// Issue 校验发现的单个问题。Code 是稳定的标识, Message 面向人。
type Issue struct {
	Code    string `json:"code"`
	BlockID string `json:"block_id,omitempty"`
	Message string `json:"message"`
}

// Result 校验结论。Valid 当且仅当 Errors 为空;
// 只有 warning 的策略照常可跑, 这一不对称是协议的一部分。
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

func (r *Result) addError(code, blockID, format string, v ...any) {
	r.Errors = append(r.Errors, Issue{Code: code, BlockID: blockID, Message: fmt.Sprintf(format, v...)})
}

func (r *Result) addWarning(code, blockID, format string, v ...any) {
	r.Warnings = append(r.Warnings, Issue{Code: code, BlockID: blockID, Message: fmt.Sprintf(format, v...)})
}

// Validator 对块序列做静态分析, 只看块的形状, 不触发执行。
type Validator struct {
	reg *Registry
}

// NewValidator 构造校验器。reg 传 nil 时使用内建定义。
func NewValidator(reg *Registry) *Validator {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Validator{reg: reg}
}

// Validate 依次跑结构、参数、顺序、风控四个 pass, 共享同一份结论。
// 空策略只报一个结构错误, 不再进入后续 pass。
func (v *Validator) Validate(blocks []Block) Result {
	res := Result{Errors: []Issue{}, Warnings: []Issue{}}
	if len(blocks) == 0 {
		res.addError("empty_strategy", "", "策略为空, 至少需要一个入场块")
		return res
	}
	norm := make([]Block, len(blocks))
	for i, b := range blocks {
		norm[i] = b.Normalize()
	}
	v.checkStructure(norm, &res)
	v.checkParams(norm, &res)
	v.checkOrdering(norm, &res)
	v.checkRiskCoverage(norm, &res)
	res.Valid = len(res.Errors) == 0
	return res
}

func (v *Validator) category(b Block) Category {
	if def, ok := v.reg.Lookup(b.Kind); ok && def.Category != "" {
		return def.Category
	}
	return b.Category
}

// pass 1: 结构。必须有入场块; 缺出场块降级为 warning; 重复类型提示。
func (v *Validator) checkStructure(blocks []Block, res *Result) {
	var hasEntry, hasExit bool
	seen := map[Kind]int{}
	for _, b := range blocks {
		switch v.category(b) {
		case CategoryEntry:
			hasEntry = true
		case CategoryExit:
			hasExit = true
		}
		seen[b.Kind]++
	}
	if !hasEntry {
		res.addError("missing_entry", "", "缺少入场块 (ENTRY), 策略永远不会建仓")
	}
	if !hasExit {
		res.addWarning("missing_exit", "", "没有出场块 (EXIT), 持仓只能靠回测结束平掉")
	}
	for _, kind := range Kinds() {
		if seen[kind] > 1 {
			res.addWarning("duplicate_block", "", "块类型 %s 出现 %d 次", kind, seen[kind])
		}
	}
	for kind, n := range seen {
		if !kind.Known() {
			if _, ok := v.reg.Lookup(kind); !ok {
				res.addError("unknown_block", "", "未知块类型 %s (%d 处)", kind, n)
			}
		}
	}
}

// pass 2: 参数。schema 违反是 error; 数值在界内但明显离谱的只给 warning。
func (v *Validator) checkParams(blocks []Block, res *Result) {
	for _, b := range blocks {
		if _, ok := v.reg.Lookup(b.Kind); !ok {
			continue
		}
		if err := v.reg.ValidateParams(b.Kind, b.Params); err != nil {
			res.addError("invalid_params", b.ID, "块 %s 参数非法: %s", b.Kind, compactSchemaError(err))
			continue
		}
		v.nudgeParams(b, res)
	}
}

// 风格提示: 不拦截执行, 只提醒取值可能不是作者想要的。
func (v *Validator) nudgeParams(b Block, res *Result) {
	switch b.Kind {
	case KindStopLoss:
		var p StopLossParams
		if DecodeParams(b, &p) == nil && p.Percentage > 50 {
			res.addWarning("wide_stop_loss", b.ID, "止损 %.1f%% 超过 50%%, 确认不是笔误", p.Percentage)
		}
	case KindTakeProfit:
		var p TakeProfitParams
		if DecodeParams(b, &p) == nil && p.Percentage > 200 {
			res.addWarning("wide_take_profit", b.ID, "止盈 %.1f%% 超过 200%%", p.Percentage)
		}
	case KindRSISignal:
		var p RSISignalParams
		if DecodeParams(b, &p) == nil && p.Threshold > 50 {
			res.addWarning("rsi_threshold_high", b.ID, "RSI 超卖阈值 %.1f 高于 50, 对称推出的超买阈值将低于 50", p.Threshold)
		}
	case KindMACDCross:
		var p MACDCrossParams
		if DecodeParams(b, &p) == nil {
			p = p.WithDefaults()
			if p.Fast >= p.Slow {
				res.addWarning("macd_periods", b.ID, "MACD fast %d 不小于 slow %d, 信号恒为空", p.Fast, p.Slow)
			}
		}
	case KindMACross:
		var p MACrossParams
		if DecodeParams(b, &p) == nil {
			p = p.WithDefaults()
			if p.FastPeriod >= p.SlowPeriod {
				res.addWarning("ma_periods", b.ID, "均线 fast_period %d 不小于 slow_period %d", p.FastPeriod, p.SlowPeriod)
			}
		}
	}
}

// pass 3: 顺序与一致性。
func (v *Validator) checkOrdering(blocks []Block, res *Result) {
	firstEntry := -1
	for i, b := range blocks {
		c := v.category(b)
		if c == CategoryEntry || c == CategoryOrders {
			firstEntry = i
			break
		}
	}
	if firstEntry > 0 {
		for i := 0; i < firstEntry; i++ {
			if v.category(blocks[i]) == CategoryExit {
				res.addWarning("exit_before_entry", blocks[i].ID,
					"出场块 %s 排在首个入场块之前, 执行顺序可能不符合预期", blocks[i].Kind)
			}
		}
	}
	exitKinds := map[Kind]int{}
	for _, b := range blocks {
		if v.category(b) == CategoryExit {
			exitKinds[b.Kind]++
		}
	}
	for kind, n := range exitKinds {
		if n > 1 {
			res.addWarning("conflicting_exits", "", "出场块 %s 配置了 %d 个, 只有先触发的生效", kind, n)
		}
	}
	tickers := map[string]bool{}
	for _, b := range blocks {
		if t := strings.ToUpper(b.Ticker()); t != "" {
			tickers[t] = true
		}
	}
	if len(tickers) > 1 {
		names := make([]string, 0, len(tickers))
		for t := range tickers {
			names = append(names, t)
		}
		res.addWarning("multiple_tickers", "", "策略内出现多个标的 %v, 引擎按单标的假设执行", names)
	}
}

// pass 4: 风控覆盖。永远只给 warning。
func (v *Validator) checkRiskCoverage(blocks []Block, res *Result) {
	var hasStop, hasDrawdown, hasSizing bool
	for _, b := range blocks {
		switch b.Kind {
		case KindStopLoss, KindTrailingStop:
			hasStop = true
		case KindMaxDrawdown:
			hasDrawdown = true
		case KindPositionSize:
			hasSizing = true
			var p PositionSizeParams
			if DecodeParams(b, &p) == nil && p.Percentage > 50 {
				res.addWarning("oversize_position", b.ID, "单仓位上限 %.1f%% 超过 50%%", p.Percentage)
			}
		}
	}
	if !hasStop {
		res.addWarning("no_stop_loss", "", "没有止损块, 亏损没有下限保护")
	}
	if !hasDrawdown {
		res.addWarning("no_max_drawdown", "", "没有回撤熔断块")
	}
	if !hasSizing {
		res.addWarning("no_position_size", "", "没有仓位上限块")
	}
}

// jsonschema 的多行错误压成一行, 便于放进 Issue。
func compactSchemaError(err error) string {
	s := err.Error()
	s = strings.ReplaceAll(s, "\n", "; ")
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return s
}
