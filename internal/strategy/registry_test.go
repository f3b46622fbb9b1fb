package strategy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinDefinitionsComplete(t *testing.T) {
	reg := NewRegistry()
	snap := reg.Snapshot()
	require.Len(t, snap.Definitions, len(Kinds()))
	for _, kind := range Kinds() {
		def, ok := reg.Lookup(kind)
		require.True(t, ok, "缺少内建定义 %s", kind)
		assert.Equal(t, kind.Category(), def.Category)
		assert.NotEmpty(t, def.Description)
		assert.NotNil(t, def.schemaCompiled, "%s 应带可执行 schema", kind)
	}
}

func TestRegistryValidateParams(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.ValidateParams(KindMarketBuy, map[string]any{
		"ticker": "AAPL", "quantity": 10,
	}))
	require.Error(t, reg.ValidateParams(KindMarketBuy, map[string]any{
		"ticker": "AAPL",
	}))
	require.Error(t, reg.ValidateParams(KindMarketBuy, map[string]any{
		"ticker": "AAPL", "quantity": 0,
	}))
}

func TestRegistryValidateParamsCoercesStrings(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.ValidateParams(KindStopLoss, map[string]any{
		"percentage": "12.5",
	}))
}

func TestRegistryUnknownKindPasses(t *testing.T) {
	reg := NewRegistry()
	// 未注册类型不在 schema 校验范围内, 由 Validator 的结构 pass 报错
	require.NoError(t, reg.ValidateParams(Kind("CUSTOM"), map[string]any{"x": 1}))
}

func writeBlocksFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistryFromFileOverlay(t *testing.T) {
	path := writeBlocksFile(t, `
blocks:
  MARKET_BUY:
    category: ENTRY
    description: 自定义描述
  VWAP_SIGNAL:
    category: INDICATORS
    description: 自定义指标块
    schema:
      type: object
      required: [ticker]
      properties:
        ticker:
          type: string
`)
	reg, err := NewRegistryFromFile(path)
	require.NoError(t, err)

	// 文件覆盖内建描述
	mb, ok := reg.Lookup(KindMarketBuy)
	require.True(t, ok)
	assert.Equal(t, "自定义描述", mb.Description)

	// 文件新增自定义类型
	custom, ok := reg.Lookup(Kind("VWAP_SIGNAL"))
	require.True(t, ok)
	assert.Equal(t, CategoryIndicators, custom.Category)
	require.NoError(t, reg.ValidateParams(custom.Kind, map[string]any{"ticker": "BTCUSDT"}))
	require.Error(t, reg.ValidateParams(custom.Kind, map[string]any{}))

	// 其余内建定义原样保留
	_, ok = reg.Lookup(KindMaxDrawdown)
	assert.True(t, ok)
}

func TestRegistryReloadPicksUpFileChanges(t *testing.T) {
	path := writeBlocksFile(t, `
blocks:
  MARKET_BUY:
    category: ENTRY
    description: 第一版
`)
	reg, err := NewRegistryFromFile(path)
	require.NoError(t, err)
	before := reg.Snapshot()

	got := make(chan Snapshot, 4)
	reg.OnChange(func(s Snapshot) { got <- s })

	require.NoError(t, os.WriteFile(path, []byte(`
blocks:
  MARKET_BUY:
    category: ENTRY
    description: 第二版
`), 0o644))
	// 直接驱动重载, 不等文件事件派发
	require.NoError(t, reg.reload())
	reg.notifyListeners()

	select {
	case snap := <-got:
		assert.Greater(t, snap.Version, before.Version)
		def, ok := snap.Definitions[KindMarketBuy]
		require.True(t, ok)
		assert.Equal(t, "第二版", def.Description)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到注册表更新回调")
	}

	def, ok := reg.Lookup(KindMarketBuy)
	require.True(t, ok)
	assert.Equal(t, "第二版", def.Description)
}

func TestRegistryFromFileRejectsUnknownRootKeys(t *testing.T) {
	path := writeBlocksFile(t, `
bloks:
  MARKET_BUY:
    category: ENTRY
`)
	_, err := NewRegistryFromFile(path)
	require.Error(t, err)
}

func TestRegistryFromFileMissing(t *testing.T) {
	_, err := NewRegistryFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
