package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ParseBlocks 解析策略 JSON。接受两种形态:
// 根节点直接是块数组, 或是带 blocks 字段的对象。
// 先用 gjson 做结构预检, 拿到靠谱的错误位置后再正式反序列化。
func ParseBlocks(raw []byte) ([]Block, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("策略内容为空")
	}
	if !gjson.Valid(trimmed) {
		return nil, fmt.Errorf("策略 JSON 格式无效")
	}
	parsed := gjson.Parse(trimmed)
	var arr gjson.Result
	switch {
	case parsed.IsArray():
		arr = parsed
	case parsed.IsObject():
		arr = parsed.Get("blocks")
		if !arr.Exists() || !arr.IsArray() {
			return nil, fmt.Errorf("根对象缺少 blocks 数组")
		}
	default:
		return nil, fmt.Errorf("根节点必须是数组或对象")
	}
	if err := walkBlocks(arr); err != nil {
		return nil, err
	}

	var blocks []Block
	if err := json.Unmarshal([]byte(arr.Raw), &blocks); err != nil {
		return nil, fmt.Errorf("反序列化块数组失败: %w", err)
	}
	for i := range blocks {
		blocks[i] = blocks[i].Normalize()
		if strings.TrimSpace(blocks[i].ID) == "" {
			blocks[i].ID = uuid.NewString()
		}
	}
	return blocks, nil
}

func walkBlocks(arr gjson.Result) error {
	var schemaErr error
	idx := 0
	arr.ForEach(func(_, value gjson.Result) bool {
		idx++
		if !value.IsObject() {
			schemaErr = fmt.Errorf("块#%d 必须是对象", idx)
			return false
		}
		if t := strings.TrimSpace(value.Get("type").String()); t == "" {
			schemaErr = fmt.Errorf("块#%d 缺少 type 字段", idx)
			return false
		}
		if p := value.Get("params"); p.Exists() && !p.IsObject() {
			schemaErr = fmt.Errorf("块#%d params 必须是对象", idx)
			return false
		}
		return true
	})
	return schemaErr
}
