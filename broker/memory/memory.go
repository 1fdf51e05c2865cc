// Package memory provides the in-memory broker. Safe for concurrent use;
// state is per-queue so distinct queues never contend. Intended for unit
// testing, development, and single-process deployments.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/id"
)

// Broker is a fully in-memory implementation of broker.Broker.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*queueState)}
}

// queueState holds one queue's sets behind its own mutex.
type queueState struct {
	mu sync.Mutex

	ready   readyHeap
	delayed delayedHeap

	inFlight map[string]*lease

	// placement indexes every held job id for idempotent enqueue and
	// cancel lookups.
	placement map[string]broker.Placement

	// seq breaks priority ties FIFO by enqueue order.
	seq uint64

	paused bool
}

type lease struct {
	ref      broker.JobRef
	token    id.LeaseID
	deadline time.Time
}

// readyItem orders by priority descending, then enqueue sequence ascending.
type readyItem struct {
	ref broker.JobRef
	seq uint64
}

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].ref.Priority != h[j].ref.Priority {
		return h[i].ref.Priority > h[j].ref.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(readyItem)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// delayedItem orders by due time ascending.
type delayedItem struct {
	ref broker.JobRef
	seq uint64
	due time.Time
}

type delayedHeap []delayedItem

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(delayedItem)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func (b *Broker) queue(name string) *queueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queues[name]
	if !ok {
		qs = &queueState{
			inFlight:  make(map[string]*lease),
			placement: make(map[string]broker.Placement),
		}
		b.queues[name] = qs
	}
	return qs
}

// Enqueue places the job into ready or delayed. No-op if the id is already
// held in any set.
func (b *Broker) Enqueue(_ context.Context, queue string, ref broker.JobRef, delayUntil *time.Time) error {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	key := ref.ID.String()
	if _, held := qs.placement[key]; held {
		return nil
	}

	qs.seq++
	if delayUntil != nil && delayUntil.After(time.Now()) {
		heap.Push(&qs.delayed, delayedItem{ref: ref, seq: qs.seq, due: *delayUntil})
		qs.placement[key] = broker.PlacementDelayed
		return nil
	}

	heap.Push(&qs.ready, readyItem{ref: ref, seq: qs.seq})
	qs.placement[key] = broker.PlacementReady
	return nil
}

// Reserve pops the best ready job and leases it.
func (b *Broker) Reserve(_ context.Context, queue string, leaseDur time.Duration) (*broker.Reservation, error) {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if qs.paused || qs.ready.Len() == 0 {
		return nil, nil
	}

	it := heap.Pop(&qs.ready).(readyItem)
	token := id.NewLeaseID()
	deadline := time.Now().Add(leaseDur)

	key := it.ref.ID.String()
	qs.inFlight[key] = &lease{ref: it.ref, token: token, deadline: deadline}
	qs.placement[key] = broker.PlacementInFlight

	return &broker.Reservation{Ref: it.ref, Token: token, Deadline: deadline}, nil
}

// Ack removes a reserved job from in-flight.
func (b *Broker) Ack(_ context.Context, queue string, jobID id.JobID, token id.LeaseID) error {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	key := jobID.String()
	l, ok := qs.inFlight[key]
	if !ok || l.token.String() != token.String() {
		return conductor.ErrBadToken
	}
	delete(qs.inFlight, key)
	delete(qs.placement, key)
	return nil
}

// Nack removes a reserved job from in-flight, optionally re-inserting it
// into delayed.
func (b *Broker) Nack(_ context.Context, queue string, jobID id.JobID, token id.LeaseID, requeueAfter *time.Duration) error {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	key := jobID.String()
	l, ok := qs.inFlight[key]
	if !ok || l.token.String() != token.String() {
		return conductor.ErrBadToken
	}
	delete(qs.inFlight, key)
	delete(qs.placement, key)

	if requeueAfter != nil {
		qs.seq++
		heap.Push(&qs.delayed, delayedItem{
			ref: l.ref,
			seq: qs.seq,
			due: time.Now().Add(*requeueAfter),
		})
		qs.placement[key] = broker.PlacementDelayed
	}
	return nil
}

// Remove deletes the job from ready or delayed. In-flight jobs are left
// alone: cancellation of active work is refused upstream.
func (b *Broker) Remove(_ context.Context, queue string, jobID id.JobID) (bool, error) {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	key := jobID.String()
	switch qs.placement[key] {
	case broker.PlacementReady:
		for i := range qs.ready {
			if qs.ready[i].ref.ID.String() == key {
				heap.Remove(&qs.ready, i)
				delete(qs.placement, key)
				return true, nil
			}
		}
	case broker.PlacementDelayed:
		for i := range qs.delayed {
			if qs.delayed[i].ref.ID.String() == key {
				heap.Remove(&qs.delayed, i)
				delete(qs.placement, key)
				return true, nil
			}
		}
	}
	return false, nil
}

// PromoteDue moves due delayed entries into ready.
func (b *Broker) PromoteDue(_ context.Context, queue string, now time.Time) (int, error) {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	promoted := 0
	for qs.delayed.Len() > 0 && !qs.delayed[0].due.After(now) {
		it := heap.Pop(&qs.delayed).(delayedItem)
		qs.seq++
		heap.Push(&qs.ready, readyItem{ref: it.ref, seq: qs.seq})
		qs.placement[it.ref.ID.String()] = broker.PlacementReady
		promoted++
	}
	return promoted, nil
}

// ReapExpiredLeases drops expired in-flight entries and returns their ids.
func (b *Broker) ReapExpiredLeases(_ context.Context, queue string, now time.Time) ([]id.JobID, error) {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	var expired []id.JobID
	for key, l := range qs.inFlight {
		if l.deadline.After(now) {
			continue
		}
		expired = append(expired, l.ref.ID)
		delete(qs.inFlight, key)
		delete(qs.placement, key)
	}
	return expired, nil
}

// Sizes reports set counts.
func (b *Broker) Sizes(_ context.Context, queue string) (broker.Sizes, error) {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	return broker.Sizes{
		Ready:    qs.ready.Len(),
		Delayed:  qs.delayed.Len(),
		InFlight: len(qs.inFlight),
	}, nil
}

// Peek returns up to limit refs from one set without removing them.
func (b *Broker) Peek(_ context.Context, queue string, p broker.Placement, limit int) ([]broker.JobRef, error) {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	var refs []broker.JobRef
	switch p {
	case broker.PlacementReady:
		// Drain a copy of the heap to observe dispatch order.
		cp := make(readyHeap, len(qs.ready))
		copy(cp, qs.ready)
		for cp.Len() > 0 && len(refs) < limit {
			refs = append(refs, heap.Pop(&cp).(readyItem).ref)
		}
	case broker.PlacementDelayed:
		cp := make(delayedHeap, len(qs.delayed))
		copy(cp, qs.delayed)
		for cp.Len() > 0 && len(refs) < limit {
			refs = append(refs, heap.Pop(&cp).(delayedItem).ref)
		}
	case broker.PlacementInFlight:
		for _, l := range qs.inFlight {
			if len(refs) >= limit {
				break
			}
			refs = append(refs, l.ref)
		}
	}
	return refs, nil
}

// Placement reports which set holds the job.
func (b *Broker) Placement(_ context.Context, queue string, jobID id.JobID) (broker.Placement, error) {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if p, ok := qs.placement[jobID.String()]; ok {
		return p, nil
	}
	return broker.PlacementNone, nil
}

// Pause stops reservations for the queue.
func (b *Broker) Pause(_ context.Context, queue string) error {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.paused = true
	return nil
}

// Resume lifts a pause.
func (b *Broker) Resume(_ context.Context, queue string) error {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.paused = false
	return nil
}

// Paused reports the pause flag.
func (b *Broker) Paused(_ context.Context, queue string) (bool, error) {
	qs := b.queue(queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.paused, nil
}

// Close is a no-op for the memory broker.
func (b *Broker) Close() error { return nil }
