package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/id"
)

func ref(priority int) broker.JobRef {
	return broker.JobRef{ID: id.NewJobID(), Priority: priority, EnqueuedAt: time.Now().UTC()}
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

func TestReserve_PriorityThenFIFO(t *testing.T) {
	b := New()
	ctx := context.Background()

	low1 := ref(0)
	low2 := ref(0)
	high := ref(5)

	for _, r := range []broker.JobRef{low1, low2, high} {
		if err := b.Enqueue(ctx, "q", r, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	want := []id.JobID{high.ID, low1.ID, low2.ID}
	for i, wantID := range want {
		res, err := b.Reserve(ctx, "q", time.Minute)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if res == nil {
			t.Fatalf("reserve %d: unexpected empty", i)
		}
		if res.Ref.ID.String() != wantID.String() {
			t.Fatalf("reserve %d: expected %s, got %s", i, wantID, res.Ref.ID)
		}
	}

	res, err := b.Reserve(ctx, "q", time.Minute)
	if err != nil || res != nil {
		t.Fatalf("expected empty reserve, got %v/%v", res, err)
	}
}

// ---------------------------------------------------------------------------
// Idempotent enqueue
// ---------------------------------------------------------------------------

func TestEnqueue_Idempotent(t *testing.T) {
	b := New()
	ctx := context.Background()
	r := ref(0)

	if err := b.Enqueue(ctx, "q", r, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, "q", r, nil); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	sizes, _ := b.Sizes(ctx, "q")
	if sizes.Ready != 1 {
		t.Fatalf("expected 1 ready after duplicate enqueue, got %d", sizes.Ready)
	}
}

// ---------------------------------------------------------------------------
// Delayed set and promotion
// ---------------------------------------------------------------------------

func TestEnqueue_DelayedAndPromote(t *testing.T) {
	b := New()
	ctx := context.Background()
	r := ref(0)
	due := time.Now().Add(time.Hour)

	if err := b.Enqueue(ctx, "q", r, &due); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	sizes, _ := b.Sizes(ctx, "q")
	if sizes.Delayed != 1 || sizes.Ready != 0 {
		t.Fatalf("expected delayed placement, got %+v", sizes)
	}

	// Not due yet.
	n, err := b.PromoteDue(ctx, "q", time.Now())
	if err != nil || n != 0 {
		t.Fatalf("premature promotion: n=%d err=%v", n, err)
	}

	// Due.
	n, err = b.PromoteDue(ctx, "q", due.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("promotion: n=%d err=%v", n, err)
	}

	// Idempotent with no clock advance.
	n, err = b.PromoteDue(ctx, "q", due.Add(time.Second))
	if err != nil || n != 0 {
		t.Fatalf("second promotion should be a no-op: n=%d err=%v", n, err)
	}

	sizes, _ = b.Sizes(ctx, "q")
	if sizes.Ready != 1 || sizes.Delayed != 0 {
		t.Fatalf("expected ready placement after promotion, got %+v", sizes)
	}
}

func TestEnqueue_ZeroDelayIsReady(t *testing.T) {
	b := New()
	ctx := context.Background()
	r := ref(0)
	past := time.Now().Add(-time.Second)

	if err := b.Enqueue(ctx, "q", r, &past); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	sizes, _ := b.Sizes(ctx, "q")
	if sizes.Ready != 1 {
		t.Fatalf("past delay should land in ready, got %+v", sizes)
	}
}

// ---------------------------------------------------------------------------
// Ack / Nack tokens
// ---------------------------------------------------------------------------

func TestAck_TokenExclusivity(t *testing.T) {
	b := New()
	ctx := context.Background()
	r := ref(0)

	if err := b.Enqueue(ctx, "q", r, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := b.Reserve(ctx, "q", time.Minute)
	if err != nil || res == nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := b.Ack(ctx, "q", r.ID, id.NewLeaseID()); !errors.Is(err, conductor.ErrBadToken) {
		t.Fatalf("foreign token should be rejected, got %v", err)
	}
	if err := b.Ack(ctx, "q", r.ID, res.Token); err != nil {
		t.Fatalf("ack with own token: %v", err)
	}
	// Second ack: the lease is gone.
	if err := b.Ack(ctx, "q", r.ID, res.Token); !errors.Is(err, conductor.ErrBadToken) {
		t.Fatalf("double ack should be rejected, got %v", err)
	}
}

func TestNack_Requeue(t *testing.T) {
	b := New()
	ctx := context.Background()
	r := ref(0)

	_ = b.Enqueue(ctx, "q", r, nil)
	res, _ := b.Reserve(ctx, "q", time.Minute)

	after := 50 * time.Millisecond
	if err := b.Nack(ctx, "q", r.ID, res.Token, &after); err != nil {
		t.Fatalf("nack: %v", err)
	}

	sizes, _ := b.Sizes(ctx, "q")
	if sizes.Delayed != 1 || sizes.InFlight != 0 {
		t.Fatalf("expected delayed requeue, got %+v", sizes)
	}

	if _, err := b.PromoteDue(ctx, "q", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("promote: %v", err)
	}
	res2, _ := b.Reserve(ctx, "q", time.Minute)
	if res2 == nil || res2.Ref.ID.String() != r.ID.String() {
		t.Fatal("requeued job should be reservable again")
	}
	if res2.Token.String() == res.Token.String() {
		t.Fatal("a fresh reservation must mint a fresh token")
	}
}

func TestNack_Drop(t *testing.T) {
	b := New()
	ctx := context.Background()
	r := ref(0)

	_ = b.Enqueue(ctx, "q", r, nil)
	res, _ := b.Reserve(ctx, "q", time.Minute)

	if err := b.Nack(ctx, "q", r.ID, res.Token, nil); err != nil {
		t.Fatalf("nack: %v", err)
	}
	sizes, _ := b.Sizes(ctx, "q")
	if sizes.Ready+sizes.Delayed+sizes.InFlight != 0 {
		t.Fatalf("drop-nack should leave no placement, got %+v", sizes)
	}
}

// ---------------------------------------------------------------------------
// Lease expiry
// ---------------------------------------------------------------------------

func TestReapExpiredLeases(t *testing.T) {
	b := New()
	ctx := context.Background()
	r := ref(0)

	_ = b.Enqueue(ctx, "q", r, nil)
	res, _ := b.Reserve(ctx, "q", 10*time.Millisecond)

	expired, err := b.ReapExpiredLeases(ctx, "q", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(expired) != 1 || expired[0].String() != r.ID.String() {
		t.Fatalf("expected the reserved id reaped, got %v", expired)
	}

	// The late ack from the original holder must be rejected.
	if err := b.Ack(ctx, "q", r.ID, res.Token); !errors.Is(err, conductor.ErrBadToken) {
		t.Fatalf("late ack should be BAD_TOKEN, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Pause / resume
// ---------------------------------------------------------------------------

func TestPause_BlocksReserve(t *testing.T) {
	b := New()
	ctx := context.Background()

	first := ref(0)
	second := ref(0)
	_ = b.Enqueue(ctx, "q", first, nil)
	_ = b.Enqueue(ctx, "q", second, nil)
	_ = b.Pause(ctx, "q")

	res, err := b.Reserve(ctx, "q", time.Minute)
	if err != nil || res != nil {
		t.Fatalf("paused queue must reserve nothing, got %v/%v", res, err)
	}

	_ = b.Resume(ctx, "q")
	res, _ = b.Reserve(ctx, "q", time.Minute)
	if res == nil || res.Ref.ID.String() != first.ID.String() {
		t.Fatal("resume must dispatch in original order")
	}
}

// ---------------------------------------------------------------------------
// Remove
// ---------------------------------------------------------------------------

func TestRemove(t *testing.T) {
	b := New()
	ctx := context.Background()

	readyRef := ref(0)
	delayedRef := ref(0)
	due := time.Now().Add(time.Hour)
	_ = b.Enqueue(ctx, "q", readyRef, nil)
	_ = b.Enqueue(ctx, "q", delayedRef, &due)

	if ok, _ := b.Remove(ctx, "q", readyRef.ID); !ok {
		t.Fatal("remove from ready should succeed")
	}
	if ok, _ := b.Remove(ctx, "q", delayedRef.ID); !ok {
		t.Fatal("remove from delayed should succeed")
	}
	if ok, _ := b.Remove(ctx, "q", id.NewJobID()); ok {
		t.Fatal("remove of unknown id should report false")
	}

	// In-flight jobs are not removable.
	inflightRef := ref(0)
	_ = b.Enqueue(ctx, "q", inflightRef, nil)
	_, _ = b.Reserve(ctx, "q", time.Minute)
	if ok, _ := b.Remove(ctx, "q", inflightRef.ID); ok {
		t.Fatal("in-flight jobs must not be removable")
	}
}

// ---------------------------------------------------------------------------
// Placement / Peek
// ---------------------------------------------------------------------------

func TestPlacementAndPeek(t *testing.T) {
	b := New()
	ctx := context.Background()

	a := ref(1)
	c := ref(0)
	_ = b.Enqueue(ctx, "q", a, nil)
	_ = b.Enqueue(ctx, "q", c, nil)

	p, _ := b.Placement(ctx, "q", a.ID)
	if p != broker.PlacementReady {
		t.Fatalf("expected ready placement, got %s", p)
	}
	p, _ = b.Placement(ctx, "q", id.NewJobID())
	if p != broker.PlacementNone {
		t.Fatalf("unknown job should be none, got %s", p)
	}

	refs, _ := b.Peek(ctx, "q", broker.PlacementReady, 10)
	if len(refs) != 2 || refs[0].ID.String() != a.ID.String() {
		t.Fatalf("peek should observe dispatch order, got %v", refs)
	}

	// Peek must not consume.
	sizes, _ := b.Sizes(ctx, "q")
	if sizes.Ready != 2 {
		t.Fatalf("peek consumed entries: %+v", sizes)
	}
}
