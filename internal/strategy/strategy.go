package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Strategy 一条命名策略: 有序块序列加少量元信息。
type Strategy struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Blocks    []Block   `json:"blocks"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository 策略存取接口。核心不落地策略, 宿主想持久化就换实现。
type Repository interface {
	Save(ctx context.Context, s *Strategy) error
	Get(ctx context.Context, id string) (*Strategy, error)
	List(ctx context.Context) ([]*Strategy, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRepository 进程内策略仓库。
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]*Strategy
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*Strategy)}
}

func (m *MemoryRepository) Save(_ context.Context, s *Strategy) error {
	if s == nil {
		return fmt.Errorf("strategy 不能为空")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("strategy name 不能为空")
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(s.ID) == "" {
		s.ID = uuid.NewString()
		s.CreatedAt = now
	} else if old, ok := m.items[s.ID]; ok {
		s.CreatedAt = old.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.items[s.ID] = cloneStrategy(s)
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("strategy %s 不存在", id)
	}
	return cloneStrategy(s), nil
}

func (m *MemoryRepository) List(_ context.Context) ([]*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Strategy, 0, len(m.items))
	for _, s := range m.items {
		out = append(out, cloneStrategy(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("strategy %s 不存在", id)
	}
	delete(m.items, id)
	return nil
}

func cloneStrategy(s *Strategy) *Strategy {
	cp := *s
	cp.Blocks = append([]Block(nil), s.Blocks...)
	return &cp
}
