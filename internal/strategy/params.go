package strategy

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// 每种块的 params 是稀疏键集, 这里给出各自的强类型视图。
// 解码统一走 WeaklyTypedInput, 容忍 "10" 这类字符串数字。

type MarketBuyParams struct {
	Ticker   string  `mapstructure:"ticker"`
	Quantity float64 `mapstructure:"quantity"`
}

type BuyOnDipParams struct {
	Ticker     string  `mapstructure:"ticker"`
	Quantity   float64 `mapstructure:"quantity"`
	Percentage float64 `mapstructure:"percentage"`
}

type LimitBuyParams struct {
	Ticker   string  `mapstructure:"ticker"`
	Quantity float64 `mapstructure:"quantity"`
	Price    float64 `mapstructure:"price"`
}

type MarketSellParams struct {
	Ticker   string  `mapstructure:"ticker"`
	Quantity float64 `mapstructure:"quantity"`
}

type TakeProfitParams struct {
	Percentage float64 `mapstructure:"percentage"`
}

type StopLossParams struct {
	Percentage float64 `mapstructure:"percentage"`
}

type TrailingStopParams struct {
	TriggerPercentage float64 `mapstructure:"trigger_percentage"`
	TrailPercentage   float64 `mapstructure:"trail_percentage"`
}

type LimitSellParams struct {
	Ticker   string  `mapstructure:"ticker"`
	Quantity float64 `mapstructure:"quantity"`
	Price    float64 `mapstructure:"price"`
}

type CooldownParams struct {
	Bars int `mapstructure:"bars"`
}

type RSISignalParams struct {
	Ticker    string  `mapstructure:"ticker"`
	Quantity  float64 `mapstructure:"quantity"`
	Period    int     `mapstructure:"period"`
	Threshold float64 `mapstructure:"threshold"`
}

type MACDCrossParams struct {
	Ticker   string  `mapstructure:"ticker"`
	Quantity float64 `mapstructure:"quantity"`
	Fast     int     `mapstructure:"fast"`
	Slow     int     `mapstructure:"slow"`
	Signal   int     `mapstructure:"signal"`
}

type MACrossParams struct {
	Ticker     string  `mapstructure:"ticker"`
	Quantity   float64 `mapstructure:"quantity"`
	FastPeriod int     `mapstructure:"fast_period"`
	SlowPeriod int     `mapstructure:"slow_period"`
}

type PositionSizeParams struct {
	Percentage float64 `mapstructure:"percentage"`
}

type MaxDrawdownParams struct {
	Percentage float64 `mapstructure:"percentage"`
}

// DecodeParams 把块的 params 解到强类型结构上。
func DecodeParams(b Block, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("构建参数解码器失败: %w", err)
	}
	if err := dec.Decode(b.Params); err != nil {
		return fmt.Errorf("块 %s (%s) 参数解码失败: %w", b.ID, b.Kind, err)
	}
	return nil
}

// 缺省值集中在这里, 执行端与校验端共用。
// threshold 没有缺省: 校验器要求显式给出。
const (
	DefaultRSIPeriod  = 14
	DefaultMACDFast   = 12
	DefaultMACDSlow   = 26
	DefaultMACDSignal = 9
	DefaultMAFast     = 10
	DefaultMASlow     = 20
)

func (p RSISignalParams) WithDefaults() RSISignalParams {
	if p.Period <= 0 {
		p.Period = DefaultRSIPeriod
	}
	return p
}

func (p MACDCrossParams) WithDefaults() MACDCrossParams {
	if p.Fast <= 0 {
		p.Fast = DefaultMACDFast
	}
	if p.Slow <= 0 {
		p.Slow = DefaultMACDSlow
	}
	if p.Signal <= 0 {
		p.Signal = DefaultMACDSignal
	}
	return p
}

func (p MACrossParams) WithDefaults() MACrossParams {
	if p.FastPeriod <= 0 {
		p.FastPeriod = DefaultMAFast
	}
	if p.SlowPeriod <= 0 {
		p.SlowPeriod = DefaultMASlow
	}
	return p
}
