package blob

import (
	"context"
	"strings"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemory returns an in-process store for tests and single-node setups.
func NewMemory() Store {
	return &memoryStore{objects: make(map[string]Object)}
}

func (s *memoryStore) Get(_ context.Context, key string) (Object, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, false, nil
	}
	return cloneObject(obj), true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, obj Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = cloneObject(obj)
	return nil
}

func (s *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memoryStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}
	return nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func cloneObject(in Object) Object {
	out := Object{SourceEtag: in.SourceEtag}
	if len(in.Contents) > 0 {
		out.Contents = make([]byte, len(in.Contents))
		copy(out.Contents, in.Contents)
	}
	return out
}
