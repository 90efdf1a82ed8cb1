package vectorindex

import (
	"context"
	"math"
	"slices"
	"sync"
)

// MemoryIndex runs exact cosine search over in-process vectors.
type MemoryIndex struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Record
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{namespaces: make(map[string]map[string]Record)}
}

func (m *MemoryIndex) Upsert(_ context.Context, namespace string, records []Record) error {
	for _, r := range records {
		if err := validateDim(r.Vector, 0); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]Record)
		m.namespaces[namespace] = ns
	}
	for _, r := range records {
		r.FileID = namespace
		r.Vector = slices.Clone(r.Vector)
		ns[r.ID] = r
	}
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, namespace string, vector []float32, k int) ([]Match, error) {
	if err := validateDim(vector, 0); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Match{}, nil
	}
	m.mu.RLock()
	out := make([]Match, 0, len(m.namespaces[namespace]))
	for _, r := range m.namespaces[namespace] {
		out = append(out, Match{Chunk: r.Chunk, Score: cosine(vector, r.Vector)})
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return a.Page - b.Page
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MemoryIndex) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	delete(m.namespaces, namespace)
	m.mu.Unlock()
	return nil
}

// Len reports how many records namespace holds.
func (m *MemoryIndex) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces[namespace])
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
