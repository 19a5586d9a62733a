package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/brokerlink/internal/observability"
	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

const (
	shardCount = 64
	// retireLimit bounds how many discarded tags each shard remembers.
	retireLimit = 1024
)

var (
	ErrTimeout         = errors.New("registry: timed out")
	ErrClosed          = errors.New("registry: closed")
	ErrDuplicateWaiter = errors.New("registry: tag already has a waiter")
	ErrNoTags          = errors.New("registry: empty tag set")
)

type kindQueue struct {
	mu     sync.Mutex
	items  []record.Record
	notify chan struct{}
}

func (q *kindQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type taggedQueue struct {
	items  []record.Record
	waiter *synchronizer
}

type shard struct {
	mu     sync.Mutex
	queues map[uint64]*taggedQueue

	retired      map[uint64]struct{}
	retiredOrder []uint64
}

func (s *shard) reset() {
	s.queues = make(map[uint64]*taggedQueue)
	s.retired = make(map[uint64]struct{})
	s.retiredOrder = nil
}

// retire marks tag so later pushes are dropped. The oldest mark is forgotten
// once the shard holds retireLimit of them.
func (s *shard) retire(tag uint64) {
	if _, ok := s.retired[tag]; ok {
		return
	}
	s.retired[tag] = struct{}{}
	s.retiredOrder = append(s.retiredOrder, tag)
	if len(s.retiredOrder) > retireLimit {
		delete(s.retired, s.retiredOrder[0])
		s.retiredOrder[0] = 0
		s.retiredOrder = s.retiredOrder[1:]
	}
}

// Registry holds per-kind and per-tag inboxes. The zero value is not usable;
// call New.
type Registry struct {
	kindsMu sync.Mutex
	kinds   map[schema.Kind]*kindQueue

	shards [shardCount]shard
	pool   syncPool

	done     chan struct{}
	failOnce sync.Once
	cause    error

	waiting atomic.Int64
}

func New() *Registry {
	r := &Registry{
		kinds: make(map[schema.Kind]*kindQueue),
		done:  make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i].reset()
	}
	return r
}

func (r *Registry) shard(tag uint64) *shard {
	return &r.shards[tag&(shardCount-1)]
}

func (r *Registry) kindQueue(kind schema.Kind) *kindQueue {
	r.kindsMu.Lock()
	defer r.kindsMu.Unlock()
	q, ok := r.kinds[kind]
	if !ok {
		q = &kindQueue{notify: make(chan struct{}, 1)}
		r.kinds[kind] = q
	}
	return q
}

// Done is closed once Fail has been called.
func (r *Registry) Done() <-chan struct{} { return r.done }

func (r *Registry) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Registry) closedErr() error {
	if r.cause == nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, r.cause)
}

// Err returns the failure cause once the registry is closed, else nil.
func (r *Registry) Err() error {
	if !r.closed() {
		return nil
	}
	return r.closedErr()
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}

// PushKind queues an unsolicited record and wakes one TakeKind caller.
func (r *Registry) PushKind(kind schema.Kind, rec record.Record) error {
	if r.closed() {
		return r.closedErr()
	}
	q := r.kindQueue(kind)
	q.mu.Lock()
	q.items = append(q.items, rec)
	q.mu.Unlock()
	q.wake()
	return nil
}

// TakeKind blocks until a record of kind is queued, ctx is done, or the
// registry fails.
func (r *Registry) TakeKind(ctx context.Context, kind schema.Kind) (record.Record, error) {
	q := r.kindQueue(kind)
	for {
		if r.closed() {
			return nil, r.closedErr()
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			rec := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return rec, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-r.done:
			return nil, r.closedErr()
		case <-ctx.Done():
			return nil, waitErr(ctx)
		}
	}
}

// PushTagged queues rec under tag and wakes the synchronizer waiting on it.
func (r *Registry) PushTagged(tag uint64, rec record.Record) error {
	s := r.shard(tag)
	s.mu.Lock()
	if r.closed() {
		s.mu.Unlock()
		return r.closedErr()
	}
	if _, gone := s.retired[tag]; gone {
		s.mu.Unlock()
		observability.RecordDropped("late", 1)
		log.Debug().Uint64("tag", tag).Msg("registry.PushTagged dropped record for discarded tag")
		return nil
	}
	q, ok := s.queues[tag]
	if !ok {
		q = &taggedQueue{}
		s.queues[tag] = q
	}
	q.items = append(q.items, rec)
	if q.waiter != nil {
		q.waiter.signal(tag)
	}
	s.mu.Unlock()
	return nil
}

func (r *Registry) pop(tag uint64) (record.Record, bool) {
	s := r.shard(tag)
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[tag]
	if !ok || len(q.items) == 0 {
		return nil, false
	}
	rec := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 && q.waiter == nil {
		delete(s.queues, tag)
	}
	return rec, true
}

// register attaches w to tag. A record already buffered under tag fires w
// immediately.
func (r *Registry) register(tag uint64, w *synchronizer) (bool, error) {
	s := r.shard(tag)
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[tag]
	if !ok {
		q = &taggedQueue{}
		s.queues[tag] = q
	}
	switch q.waiter {
	case nil:
	case w:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %d", ErrDuplicateWaiter, tag)
	}
	q.waiter = w
	if len(q.items) > 0 {
		w.signal(tag)
	}
	return true, nil
}

func (r *Registry) deregister(tags []uint64, w *synchronizer) {
	for _, tag := range tags {
		s := r.shard(tag)
		s.mu.Lock()
		if q, ok := s.queues[tag]; ok && q.waiter == w {
			q.waiter = nil
			if len(q.items) == 0 {
				delete(s.queues, tag)
			}
		}
		s.mu.Unlock()
	}
}

// TakeTagged returns the next record for any tag in tags. Records already
// buffered are returned first, checking tags in order; otherwise the caller
// waits for the first tag to receive one. ctx bounds the wait: an expired
// deadline yields ErrTimeout and leaves no registration behind.
func (r *Registry) TakeTagged(ctx context.Context, tags []uint64) (uint64, record.Record, error) {
	if len(tags) == 0 {
		return 0, nil, ErrNoTags
	}
	for {
		if r.closed() {
			return 0, nil, r.closedErr()
		}
		for _, tag := range tags {
			if rec, ok := r.pop(tag); ok {
				return tag, rec, nil
			}
		}

		tag, fired, err := r.wait(ctx, tags)
		if err != nil && !fired {
			return 0, nil, err
		}
		if rec, ok := r.pop(tag); ok {
			return tag, rec, nil
		}
		if err != nil {
			return 0, nil, err
		}
		// Another taker drained the tag between wake and pop.
		log.Debug().Uint64("tag", tag).Msg("registry.TakeTagged lost wake, retrying")
	}
}

func (r *Registry) wait(ctx context.Context, tags []uint64) (uint64, bool, error) {
	w := r.pool.get()
	registered := make([]uint64, 0, len(tags))
	defer func() {
		r.deregister(registered, w)
		r.pool.put(w)
	}()

	for _, tag := range tags {
		added, err := r.register(tag, w)
		if err != nil {
			return 0, false, err
		}
		if added {
			registered = append(registered, tag)
		}
	}

	r.waiting.Add(1)
	observability.AddWaiters(1)
	defer func() {
		r.waiting.Add(-1)
		observability.AddWaiters(-1)
	}()

	select {
	case tag := <-w.fired:
		return tag, true, nil
	case <-r.done:
		return 0, false, r.closedErr()
	case <-ctx.Done():
		// A push may have fired between the deadline and now.
		if tag, ok := w.drain(); ok {
			return tag, true, waitErr(ctx)
		}
		return 0, false, waitErr(ctx)
	}
}

// Discard retires tags nobody will take again. Buffered records are dropped
// and later pushes under those tags are ignored. A caller already waiting on
// one of them keeps waiting until its own ctx ends. Discard returns the
// number of records dropped.
func (r *Registry) Discard(tags ...uint64) int {
	dropped := 0
	for _, tag := range tags {
		s := r.shard(tag)
		s.mu.Lock()
		if q, ok := s.queues[tag]; ok {
			dropped += len(q.items)
			q.items = nil
			if q.waiter == nil {
				delete(s.queues, tag)
			}
		}
		s.retire(tag)
		s.mu.Unlock()
	}
	if dropped > 0 {
		observability.RecordDropped("released", dropped)
		log.Debug().Int("dropped", dropped).Uints64("tags", tags).Msg("registry.Discard")
	}
	return dropped
}

// Fail closes the registry with cause. Queued records are dropped and every
// blocked caller wakes with an error wrapping ErrClosed and cause. Only the
// first call has an effect.
func (r *Registry) Fail(cause error) {
	r.failOnce.Do(func() {
		r.cause = cause
		close(r.done)

		dropped := 0
		for i := range r.shards {
			s := &r.shards[i]
			s.mu.Lock()
			for _, q := range s.queues {
				dropped += len(q.items)
			}
			s.reset()
			s.mu.Unlock()
		}
		r.kindsMu.Lock()
		kinds := make([]*kindQueue, 0, len(r.kinds))
		for _, q := range r.kinds {
			kinds = append(kinds, q)
		}
		r.kindsMu.Unlock()
		for _, q := range kinds {
			q.mu.Lock()
			dropped += len(q.items)
			q.items = nil
			q.mu.Unlock()
		}
		log.Debug().Err(cause).Int("dropped", dropped).Msg("registry.Fail")
	})
}

// Stats is a point-in-time view for metrics and tests.
type Stats struct {
	KindBuffered   int
	TagBuffered    int
	TagQueues      int
	Retired        int
	Waiting        int
	SyncsAllocated int
	SyncsFree      int
}

func (r *Registry) Stats() Stats {
	var st Stats
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		st.TagQueues += len(s.queues)
		st.Retired += len(s.retired)
		for _, q := range s.queues {
			st.TagBuffered += len(q.items)
		}
		s.mu.Unlock()
	}
	r.kindsMu.Lock()
	kinds := make([]*kindQueue, 0, len(r.kinds))
	for _, q := range r.kinds {
		kinds = append(kinds, q)
	}
	r.kindsMu.Unlock()
	for _, q := range kinds {
		q.mu.Lock()
		st.KindBuffered += len(q.items)
		q.mu.Unlock()
	}
	st.Waiting = int(r.waiting.Load())
	st.SyncsAllocated, st.SyncsFree = r.pool.stats()
	return st
}
