package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"blocksim/internal/market"
)

// CSVSource 从本地 CSV 文件读取 K 线, 面向股票等没有交易所接口的标的。
// 文件名 SYMBOL_timeframe.csv, 列顺序 open_time,open,high,low,close,volume
// 可选再跟 close_time,trades。时间戳为毫秒, 首行不是数字时按表头跳过。
type CSVSource struct {
	dir string
}

func NewCSVSource(dir string) (*CSVSource, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("csv 目录不能为空")
	}
	return &CSVSource{dir: dir}, nil
}

func (s *CSVSource) Name() string {
	return "csv"
}

func (s *CSVSource) path(symbol, interval string) string {
	name := fmt.Sprintf("%s_%s.csv", strings.ToUpper(strings.TrimSpace(symbol)), strings.ToLower(strings.TrimSpace(interval)))
	return filepath.Join(s.dir, name)
}

func (s *CSVSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	path := s.path(req.Symbol, req.Interval)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开 csv 失败: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	base := filepath.Base(path)
	var out []market.Candle
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取 %s 失败: %w", base, err)
		}
		line++
		if len(row) < 6 {
			return nil, fmt.Errorf("%s 第 %d 行: 至少需要 6 列, 实际 %d", base, line, len(row))
		}
		openTime, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%s 第 %d 行 open_time: %w", base, line, err)
		}
		c := market.Candle{OpenTime: openTime}
		for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s 第 %d 行第 %d 列: %w", base, line, i+2, err)
			}
			*dst = v
		}
		if len(row) >= 7 {
			c.CloseTime, _ = strconv.ParseInt(strings.TrimSpace(row[6]), 10, 64)
		}
		if len(row) >= 8 {
			c.Trades, _ = strconv.ParseInt(strings.TrimSpace(row[7]), 10, 64)
		}
		if req.Start > 0 && c.OpenTime < req.Start {
			continue
		}
		if req.End > 0 && c.OpenTime > req.End {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	fillCloseTimes(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// fillCloseTimes 对缺省 close_time 的行按相邻间距补齐。
func fillCloseTimes(candles []market.Candle) {
	var step int64
	for i := range candles {
		if i+1 < len(candles) {
			if d := candles[i+1].OpenTime - candles[i].OpenTime; d > 0 {
				step = d
			}
		}
		if candles[i].CloseTime == 0 && step > 0 {
			candles[i].CloseTime = candles[i].OpenTime + step - 1
		}
	}
}
