package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNewCSVSource_RequiresDir(t *testing.T) {
	_, err := NewCSVSource("  ")
	require.Error(t, err)
}

func TestCSVSource_FetchParsesFile(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL_1d.csv",
		"open_time,open,high,low,close,volume,close_time,trades\n"+
			"1000,100,101,99,100.5,500,1999,42\n"+
			"2000,100.5,102,100,101,600,2999,43\n"+
			"3000,101,103,100.5,102,700,3999,44\n")

	src, err := NewCSVSource(dir)
	require.NoError(t, err)
	assert.Equal(t, "csv", src.Name())

	got, err := src.Fetch(context.Background(), FetchRequest{Symbol: "aapl", Interval: "1D"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1000), got[0].OpenTime)
	assert.Equal(t, int64(1999), got[0].CloseTime)
	assert.Equal(t, 100.0, got[0].Open)
	assert.Equal(t, 101.0, got[0].High)
	assert.Equal(t, 99.0, got[0].Low)
	assert.Equal(t, 100.5, got[0].Close)
	assert.Equal(t, 500.0, got[0].Volume)
	assert.Equal(t, int64(42), got[0].Trades)
}

func TestCSVSource_SortsAndFillsCloseTime(t *testing.T) {
	dir := t.TempDir()
	// 六列无表头, 行序打乱
	writeCSV(t, dir, "MSFT_1h.csv",
		"3000,101,103,100.5,102,700\n"+
			"1000,100,101,99,100.5,500\n"+
			"2000,100.5,102,100,101,600\n")

	src, err := NewCSVSource(dir)
	require.NoError(t, err)

	got, err := src.Fetch(context.Background(), FetchRequest{Symbol: "MSFT", Interval: "1h"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1000), got[0].OpenTime)
	assert.Equal(t, int64(3000), got[2].OpenTime)
	// close_time 缺省时按相邻间距补齐
	assert.Equal(t, int64(1999), got[0].CloseTime)
	assert.Equal(t, int64(2999), got[1].CloseTime)
	assert.Equal(t, int64(3999), got[2].CloseTime)
}

func TestCSVSource_WindowAndLimit(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL_1d.csv",
		"1000,100,101,99,100,500\n"+
			"2000,100,101,99,100,500\n"+
			"3000,100,101,99,100,500\n"+
			"4000,100,101,99,100,500\n")

	src, err := NewCSVSource(dir)
	require.NoError(t, err)

	got, err := src.Fetch(context.Background(), FetchRequest{Symbol: "AAPL", Interval: "1d", Start: 2000, End: 4000, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2000), got[0].OpenTime)
	assert.Equal(t, int64(3000), got[1].OpenTime)
}

func TestCSVSource_Errors(t *testing.T) {
	dir := t.TempDir()
	src, err := NewCSVSource(dir)
	require.NoError(t, err)

	_, err = src.Fetch(context.Background(), FetchRequest{Symbol: "GONE", Interval: "1d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "打开 csv 失败")

	writeCSV(t, dir, "BAD_1d.csv", "1000,100,abc,99,100,500\n")
	_, err = src.Fetch(context.Background(), FetchRequest{Symbol: "BAD", Interval: "1d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "第 1 行")

	writeCSV(t, dir, "SHORT_1d.csv", "1000,100,101\n")
	_, err = src.Fetch(context.Background(), FetchRequest{Symbol: "SHORT", Interval: "1d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "至少需要 6 列")
}
