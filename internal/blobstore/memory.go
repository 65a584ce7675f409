package blobstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/mmp/rekord/internal/rkerr"
)

// Memory is an in-memory Store, the analogue of the teacher's
// storage/memory.go backend used throughout its test suite; used the same
// way here to exercise put/get and the repository facade without touching
// a filesystem or network.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) String() string { return "memory" }

func (m *Memory) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, notFound(path, nil)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *Memory) Write(ctx context.Context, path string, length int64, producer Producer) (int64, error) {
	m.mu.Lock()
	if _, ok := m.objects[path]; ok {
		m.mu.Unlock()
		return 0, alreadyExists(path)
	}
	m.mu.Unlock()

	var buf bytes.Buffer
	if err := producer(func(b []byte) error {
		buf.Write(b)
		return nil
	}); err != nil {
		return 0, err
	}
	if length != 0 && int64(buf.Len()) != length {
		return 0, rkerr.New(rkerr.KindCorrupt, "%s: producer wrote %d bytes, expected %d", path, buf.Len(), length)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; ok {
		return 0, alreadyExists(path)
	}
	m.objects[path] = buf.Bytes()
	return int64(buf.Len()), nil
}

func (m *Memory) ExistsFast(ctx context.Context, path string) bool {
	ok, _ := m.ExistsSlow(ctx, path)
	return ok
}

func (m *Memory) ExistsSlow(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return notFound(path, nil)
	}
	delete(m.objects, path)
	return nil
}
