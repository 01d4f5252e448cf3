package hook

import "sync"

// frame holds the scratch of one intercepted call on one thread, split by
// registration so that co-located hooks cannot see each other's values.
// A frame is only touched by the thread that pushed it.
type frame struct {
	values map[Handle]map[string]any
}

func (f *frame) scope(h Handle) map[string]any {
	if f.values == nil {
		f.values = make(map[Handle]map[string]any)
	}
	m, ok := f.values[h]
	if !ok {
		m = make(map[string]any)
		f.values[h] = m
	}
	return m
}

// scratchStore keeps a stack of frames per native thread. Entry pushes,
// exit reads the top and pops, so recursion and nested hooked calls on
// one thread each see their own frame.
type scratchStore struct {
	mu      sync.Mutex
	threads map[uint64][]*frame
}

func newScratchStore() *scratchStore {
	return &scratchStore{threads: make(map[uint64][]*frame)}
}

func (s *scratchStore) push(tid uint64) *frame {
	f := &frame{}
	s.mu.Lock()
	s.threads[tid] = append(s.threads[tid], f)
	s.mu.Unlock()
	return f
}

func (s *scratchStore) top(tid uint64) *frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.threads[tid]
	if len(stack) == 0 {
		return &frame{}
	}
	return stack[len(stack)-1]
}

func (s *scratchStore) pop(tid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.threads[tid]
	switch len(stack) {
	case 0:
	case 1:
		delete(s.threads, tid)
	default:
		stack[len(stack)-1] = nil
		s.threads[tid] = stack[:len(stack)-1]
	}
}

func (s *scratchStore) depth(tid uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads[tid])
}
