package storage

import "sync"

// Mem is an in-memory KV, for tests and throwaway runs.
type Mem struct {
	mtx sync.RWMutex
	m   map[string][]byte
}

func NewMem() *Mem {
	return &Mem{m: make(map[string][]byte)}
}

func (s *Mem) Get(key []byte) ([]byte, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	v, ok := s.m[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Mem) Put(key, value []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.m[string(key)] = v
	return nil
}

func (s *Mem) Delete(key []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.m, string(key))
	return nil
}

func (s *Mem) Batch(ops []Op) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, op := range ops {
		if op.Value == nil {
			delete(s.m, string(op.Key))
			continue
		}
		v := make([]byte, len(op.Value))
		copy(v, op.Value)
		s.m[string(op.Key)] = v
	}
	return nil
}

func (s *Mem) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	s.mtx.RLock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			keys = append(keys, k)
		}
	}
	s.mtx.RUnlock()

	for _, k := range keys {
		s.mtx.RLock()
		v, ok := s.m[k]
		s.mtx.RUnlock()
		if !ok {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Mem) Close() error { return nil }
