package indicator

import "math"

// 所有指标函数返回与输入等长的切片, 预热期内的位置填 NaN。
// period 非法或数据长度不足时返回全 NaN, 不 panic, 由上层校验器负责报错。

const lossEpsilon = 1e-12

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Available 判断指标值是否已过预热期。
func Available(v float64) bool {
	return !math.IsNaN(v)
}

// FirstAvailable 返回序列中首个可用值的下标, 全 NaN 时返回 -1。
func FirstAvailable(series []float64) int {
	for i, v := range series {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

// SMA 简单移动平均, 自下标 period-1 起可用。
func SMA(series []float64, period int) []float64 {
	out := nanSlice(len(series))
	if period <= 0 || len(series) < period {
		return out
	}
	var sum float64
	for i, v := range series {
		sum += v
		if i >= period {
			sum -= series[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA 指数移动平均。种子取前 period 个值的 SMA, 落在下标 period-1,
// 之后按 k = 2/(period+1) 递推。
func EMA(series []float64, period int) []float64 {
	out := nanSlice(len(series))
	if period <= 0 || len(series) < period {
		return out
	}
	var seed float64
	for _, v := range series[:period] {
		seed += v
	}
	out[period-1] = seed / float64(period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(series); i++ {
		out[i] = (series[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// RSI 采用 Wilder 平滑。首个均值是前 period 个涨跌幅的简单平均,
// 之后 avg = (avg*(period-1) + new) / period。需要 period+1 个数据点,
// 自下标 period 起可用。
func RSI(series []float64, period int) []float64 {
	out := nanSlice(len(series))
	if period <= 0 || len(series) < period+1 {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := series[i] - series[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(series); i++ {
		d := series[i] - series[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

// 均涨均跌相等时恒为 50, 其余情况对 avgLoss 垫一个极小值防止除零。
func rsiValue(avgGain, avgLoss float64) float64 {
	if avgGain == avgLoss {
		return 50
	}
	rs := avgGain / math.Max(avgLoss, lossEpsilon)
	return 100 - 100/(1+rs)
}

// MACD 返回 macd 线、signal 线与柱状图三条等长序列。
// macd = EMA(fast) - EMA(slow), 自下标 slow-1 起可用;
// signal 是对 macd 有效区间重新对齐后的 EMA(signal), 自 slow+signal-2 起可用;
// hist = macd - signal。
func MACD(series []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	n := len(series)
	macd, sig, hist = nanSlice(n), nanSlice(n), nanSlice(n)
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow || n < slow {
		return
	}
	emaFast := EMA(series, fast)
	emaSlow := EMA(series, slow)
	for i := slow - 1; i < n; i++ {
		macd[i] = emaFast[i] - emaSlow[i]
	}
	compact := EMA(macd[slow-1:], signal)
	for i, v := range compact {
		idx := slow - 1 + i
		sig[idx] = v
		if !math.IsNaN(v) {
			hist[idx] = macd[idx] - v
		}
	}
	return
}

// Crossover 逐点比较两条曲线, 输出与输入等长的信号序列:
// +1 表示 fast 上穿 slow, -1 表示下穿, 0 表示无事件。
// 下标 0 没有前值, 恒为 0; 相邻两点任一侧未形成(NaN)也记 0。
func Crossover(fast, slow []float64) []int {
	n := len(fast)
	if len(slow) < n {
		n = len(slow)
	}
	out := make([]int, n)
	for i := 1; i < n; i++ {
		switch {
		case CrossAbove(fast, slow, i):
			out[i] = 1
		case CrossBelow(fast, slow, i):
			out[i] = -1
		}
	}
	return out
}

// CrossAbove 判断 a 在下标 i 处上穿 b: 前一根不高于且当前严格高于。
// 任一参与值尚未形成(NaN)时视为未发生。
func CrossAbove(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	if hasNaN(a[i-1], b[i-1], a[i], b[i]) {
		return false
	}
	return a[i-1] <= b[i-1] && a[i] > b[i]
}

// CrossBelow 判断 a 在下标 i 处下穿 b。
func CrossBelow(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	if hasNaN(a[i-1], b[i-1], a[i], b[i]) {
		return false
	}
	return a[i-1] >= b[i-1] && a[i] < b[i]
}

func hasNaN(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
