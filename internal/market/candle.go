package market

import (
	"fmt"
	"math"
	"time"
)

// Candle 单根 K 线, 时间戳为毫秒。OpenTime 是这根 K 线的起点,
// 回测里所有 "bar timestamp" 均指 OpenTime。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

func (c Candle) TimeString() string {
	ts := c.OpenTime
	if ts == 0 {
		ts = c.CloseTime
	}
	if ts <= 0 {
		return "-"
	}
	return time.UnixMilli(ts).UTC().Format("01-02 15:04") + "Z"
}

// Valid 校验单根 K 线的价格关系。
func (c Candle) Valid() error {
	if c.OpenTime <= 0 {
		return fmt.Errorf("open_time 非法: %d", c.OpenTime)
	}
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("K线 %s 价格非法", c.TimeString())
		}
	}
	if c.High < math.Max(c.Open, c.Close) {
		return fmt.Errorf("K线 %s high %.8f 低于 open/close", c.TimeString(), c.High)
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return fmt.Errorf("K线 %s low %.8f 高于 open/close", c.TimeString(), c.Low)
	}
	if c.Volume < 0 {
		return fmt.Errorf("K线 %s volume 为负", c.TimeString())
	}
	return nil
}

type Candles []Candle

// Validate 校验整段序列: 每根自身合法且按 OpenTime 严格递增。
func (cs Candles) Validate() error {
	for i, c := range cs {
		if err := c.Valid(); err != nil {
			return fmt.Errorf("第 %d 根: %w", i, err)
		}
		if i > 0 && c.OpenTime <= cs[i-1].OpenTime {
			return fmt.Errorf("第 %d 根乱序: %d <= %d", i, c.OpenTime, cs[i-1].OpenTime)
		}
	}
	return nil
}

func (cs Candles) Opens() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Open
	}
	return out
}

func (cs Candles) Highs() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.High
	}
	return out
}

func (cs Candles) Lows() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Low
	}
	return out
}

func (cs Candles) Closes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

func (cs Candles) Volumes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Volume
	}
	return out
}
