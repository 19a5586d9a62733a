package registry

import "sync"

// synchronizer is a reusable one-shot wake. The reader loop sends the tag
// that fired; only the first send lands because the channel holds one value.
type synchronizer struct {
	fired chan uint64
}

func (s *synchronizer) signal(tag uint64) {
	select {
	case s.fired <- tag:
	default:
	}
}

// drain empties a pending wake left behind by a racing push.
func (s *synchronizer) drain() (uint64, bool) {
	select {
	case tag := <-s.fired:
		return tag, true
	default:
		return 0, false
	}
}

// syncPool is a free list of synchronizers.
type syncPool struct {
	mu        sync.Mutex
	free      []*synchronizer
	allocated int
}

func (p *syncPool) get() *synchronizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return s
	}
	p.allocated++
	return &synchronizer{fired: make(chan uint64, 1)}
}

// put returns s to the pool. s must already be de-registered from every tag.
func (p *syncPool) put(s *synchronizer) {
	s.drain()
	p.mu.Lock()
	p.free = append(p.free, s)
	p.mu.Unlock()
}

func (p *syncPool) stats() (allocated, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated, len(p.free)
}
