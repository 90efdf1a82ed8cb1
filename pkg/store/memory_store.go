package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"quillai/pkg/domain"
)

// MemoryStore keeps records in-process. It backs tests and single-binary dev runs.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	byAuth   map[string]string // auth ID -> user ID
	files    map[string]domain.File
	messages map[string][]domain.Message // file ID -> messages
	now      func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		byAuth:   make(map[string]string),
		files:    make(map[string]domain.File),
		messages: make(map[string][]domain.Message),
		now:      time.Now,
	}
}

func (m *MemoryStore) EnsureUser(_ context.Context, u domain.User) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byAuth[u.AuthID]; ok {
		return m.users[id], false, nil
	}
	now := m.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	m.users[u.ID] = u
	m.byAuth[u.AuthID] = u.ID
	return u, true, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByAuthID(_ context.Context, authID string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAuth[authID]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

func (m *MemoryStore) GetUserByCustomerID(_ context.Context, customerID string) (domain.User, bool, error) {
	return m.findUser(func(u domain.User) bool { return customerID != "" && u.CustomerID == customerID })
}

func (m *MemoryStore) GetUserBySubscriptionID(_ context.Context, subscriptionID string) (domain.User, bool, error) {
	return m.findUser(func(u domain.User) bool { return subscriptionID != "" && u.SubscriptionID == subscriptionID })
}

func (m *MemoryStore) findUser(match func(domain.User) bool) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) UpdateBilling(_ context.Context, userID string, b domain.Billing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Billing = b
	u.UpdatedAt = m.now().UTC()
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) CreateFile(_ context.Context, f domain.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Status == "" {
		f.Status = domain.StatusPending
	}
	m.files[f.ID] = f
	return nil
}

func (m *MemoryStore) GetFile(_ context.Context, id string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	return f, ok, nil
}

func (m *MemoryStore) GetFileForUser(_ context.Context, userID, fileID string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[fileID]
	if !ok || f.UserID != userID {
		return domain.File{}, false, nil
	}
	return f, true, nil
}

func (m *MemoryStore) GetFileByKeyForUser(_ context.Context, userID, key string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best domain.File
	found := false
	for _, f := range m.files {
		if f.UserID != userID || f.Key != key {
			continue
		}
		if !found || f.CreatedAt.After(best.CreatedAt) {
			best, found = f, true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) ListFilesForUser(_ context.Context, userID string) ([]domain.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.File{}
	for _, f := range m.files {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b domain.File) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TransitionFileStatus(_ context.Context, id string, to domain.FileStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	if !domain.CanTransition(f.Status, to) {
		return ErrInvalidTransition
	}
	f.Status = to
	f.UpdatedAt = m.now().UTC()
	m.files[id] = f
	return nil
}

func (m *MemoryStore) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return ErrNotFound
	}
	delete(m.files, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now().UTC()
	}
	m.messages[msg.FileID] = append(m.messages[msg.FileID], msg)
	return nil
}

func (m *MemoryStore) RecentMessages(_ context.Context, fileID string, limit int, excludeID string) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	out := []domain.Message{}
	for _, msg := range m.newestFirst(fileID) {
		if msg.ID == excludeID {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) PageMessages(_ context.Context, fileID, cursor string, limit int) (domain.MessagePage, error) {
	if limit <= 0 {
		return domain.MessagePage{Messages: []domain.Message{}}, nil
	}
	msgs := m.newestFirst(fileID)
	start := 0
	if cursor != "" {
		idx := slices.IndexFunc(msgs, func(msg domain.Message) bool { return msg.ID == cursor })
		if idx < 0 {
			return domain.MessagePage{}, ErrCursorNotFound
		}
		start = idx + 1
	}
	end := min(start+limit+1, len(msgs))
	return buildPage(slices.Clone(msgs[start:end]), limit), nil
}

// newestFirst returns the file's messages ordered (created_at DESC, id DESC).
func (m *MemoryStore) newestFirst(fileID string) []domain.Message {
	m.mu.RLock()
	msgs := slices.Clone(m.messages[fileID])
	m.mu.RUnlock()
	slices.SortFunc(msgs, func(a, b domain.Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return msgs
}
