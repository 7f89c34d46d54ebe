package store

import (
	"context"
	"sync"
)

type MemoryOption func(*MemoryStore)

// WithQueueSize fixes the value reported by QueueSize.
func WithQueueSize(n int64) MemoryOption {
	return func(s *MemoryStore) {
		if n >= 0 {
			s.queueSize = n
		}
	}
}

// WithList seeds a list with the given settings.
func WithList(listID int64, values map[string]string) MemoryOption {
	return func(s *MemoryStore) {
		s.putList(listID, values)
	}
}

// MemoryStore keeps everything in process memory. Lists must exist before
// their settings can be updated, like in the persistent backends.
type MemoryStore struct {
	mu        sync.Mutex
	options   map[string]string
	lists     map[int64]map[string]string
	queueSize int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		options: make(map[string]string),
		lists:   make(map[int64]map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetOption(_ context.Context, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options[name], nil
}

func (s *MemoryStore) SetOption(_ context.Context, name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[name] = value
	return nil
}

func (s *MemoryStore) GetListSettings(_ context.Context, listID int64) (*ListSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.lists[listID]
	if !ok {
		return nil, ErrListNotFound
	}
	snap := &ListSettings{ListID: listID, Values: values}
	return snap.clone(), nil
}

func (s *MemoryStore) UpdateListSetting(_ context.Context, listID int64, name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.lists[listID]
	if !ok {
		return ErrListNotFound
	}
	values[name] = value
	return nil
}

// CreateList adds an empty list, or merges values into an existing one.
func (s *MemoryStore) CreateList(_ context.Context, listID int64, values map[string]string) error {
	s.putList(listID, values)
	return nil
}

func (s *MemoryStore) QueueSize(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueSize, nil
}

// SetQueueSize changes the value reported by QueueSize.
func (s *MemoryStore) SetQueueSize(n int64) {
	s.mu.Lock()
	s.queueSize = n
	s.mu.Unlock()
}

func (s *MemoryStore) putList(listID int64, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.lists[listID]
	if !ok {
		cur = make(map[string]string, len(values))
		s.lists[listID] = cur
	}
	for k, v := range values {
		cur[k] = v
	}
}
