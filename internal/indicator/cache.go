package indicator

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"strconv"
	"sync"
)

// Cache 缓存同一价格序列上的指标结果, 由调用方持有并决定生命周期,
// 回测引擎每次 run 建一个。键由指标名、全部参数与完整输入序列哈希而成,
// 序列任何一个值变动都会换键, 旧条目自然失效。命中时返回缓存切片本身,
// 调用方不得改写。
type Cache struct {
	mu      sync.RWMutex
	entries map[uint64][]float64
}

func NewCache() *Cache {
	return &Cache{entries: make(map[uint64][]float64)}
}

func seriesKey(name string, series []float64, periods ...int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	for _, p := range periods {
		h.Write([]byte{':'})
		h.Write([]byte(strconv.Itoa(p)))
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(series)))
	h.Write(buf[:])
	for _, v := range series {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func (c *Cache) lookup(key uint64) ([]float64, bool) {
	c.mu.RLock()
	v, ok := c.entries[key]
	c.mu.RUnlock()
	return v, ok
}

func (c *Cache) store(key uint64, vals []float64) {
	c.mu.Lock()
	c.entries[key] = vals
	c.mu.Unlock()
}

// Len 返回缓存条目数。
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) SMA(series []float64, period int) []float64 {
	key := seriesKey("sma", series, period)
	if v, ok := c.lookup(key); ok {
		return v
	}
	v := SMA(series, period)
	c.store(key, v)
	return v
}

func (c *Cache) EMA(series []float64, period int) []float64 {
	key := seriesKey("ema", series, period)
	if v, ok := c.lookup(key); ok {
		return v
	}
	v := EMA(series, period)
	c.store(key, v)
	return v
}

func (c *Cache) RSI(series []float64, period int) []float64 {
	key := seriesKey("rsi", series, period)
	if v, ok := c.lookup(key); ok {
		return v
	}
	v := RSI(series, period)
	c.store(key, v)
	return v
}

func (c *Cache) MACD(series []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	km := seriesKey("macd", series, fast, slow, signal)
	ks := seriesKey("macd_sig", series, fast, slow, signal)
	kh := seriesKey("macd_hist", series, fast, slow, signal)
	m, okM := c.lookup(km)
	s, okS := c.lookup(ks)
	h, okH := c.lookup(kh)
	if okM && okS && okH {
		return m, s, h
	}
	macd, sig, hist = MACD(series, fast, slow, signal)
	c.store(km, macd)
	c.store(ks, sig)
	c.store(kh, hist)
	return macd, sig, hist
}
