package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mihailsb/convsync/internal/common"
)

type memObject struct {
	data []byte
	meta map[string]string
}

// MemStore is a mutex-guarded in-memory ObjectStore used by tests and
// offline tooling.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject

	// Fail, when set, is consulted before every operation so tests can
	// inject failures for specific keys.
	Fail func(op, key string) error
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

func (m *MemStore) check(op, key string) error {
	if m.Fail != nil {
		return m.Fail(op, key)
	}
	return nil
}

func (m *MemStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.check("put", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	mc := make(map[string]string, len(meta))
	for k, v := range meta {
		mc[k] = v
	}
	m.objects[key] = memObject{data: cp, meta: mc}
	return nil
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := m.check("get", key); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil, fmt.Errorf("get %s: %w", key, common.ErrObjectNotFound)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.meta, nil
}

func (m *MemStore) Head(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.check("head", key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("head %s: %w", key, common.ErrObjectNotFound)
	}
	return obj.meta, nil
}

func (m *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.check("list", prefix); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.check("delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) Quota(ctx context.Context) (used, total int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range m.objects {
		used += int64(len(obj.data))
	}
	return used, 0, nil
}

// Len reports the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
