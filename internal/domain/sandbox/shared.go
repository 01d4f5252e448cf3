package sandbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// SharedState is the key/value store every sandbox can see. Values are
// kept JSON-encoded so no sandbox ever holds another runtime's objects.
type SharedState struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewSharedState creates an empty store
func NewSharedState() *SharedState {
	return &SharedState{values: make(map[string][]byte)}
}

// Set encodes and stores value under key
func (s *SharedState) Set(key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty shared key", errs.ErrInvalidArgument)
	}
	data, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: shared value %s: %v", errs.ErrInvalidArgument, key, err)
	}

	s.mu.Lock()
	s.values[key] = data
	s.mu.Unlock()
	return nil
}

// Get decodes the value stored under key
func (s *SharedState) Get(key string) (any, bool, error) {
	s.mu.RLock()
	data, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	var v any
	if err := sonic.Unmarshal(data, &v); err != nil {
		return nil, true, fmt.Errorf("shared value %s: %w", key, err)
	}
	return v, true, nil
}

// Delete removes key
func (s *SharedState) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	delete(s.values, key)
	return ok
}

// Keys returns the stored keys in sorted order
func (s *SharedState) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear drops every value
func (s *SharedState) Clear() {
	s.mu.Lock()
	s.values = make(map[string][]byte)
	s.mu.Unlock()
}

// Len returns the number of stored values
func (s *SharedState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
