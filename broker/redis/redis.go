// Package redis provides the Redis-backed broker. Ready and delayed sets
// are Sorted Sets, in-flight leases live in a Hash of msgpack-encoded
// records. Enqueue, reserve, ack, nack and promotion survive process
// restart; lease deadlines are re-evaluated by the stall sweep, so a
// restart conservatively treats all in-flight entries as expired once
// their deadlines pass.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/broker"
	"github.com/embermedia/conductor/id"
)

// Key naming. All keys are prefixed to avoid collisions.
const keyPrefix = "conductor:"

func readyKey(q string) string   { return keyPrefix + "ready:" + q }
func delayedKey(q string) string { return keyPrefix + "delayed:" + q }
func refsKey(q string) string    { return keyPrefix + "refs:" + q }
func leaseKey(q string) string   { return keyPrefix + "lease:" + q }
func pausedKey(q string) string  { return keyPrefix + "paused:" + q }

// seqKey is the global counter breaking priority ties FIFO.
const seqKey = keyPrefix + "seq"

// Broker is a Redis-backed implementation of broker.Broker.
type Broker struct {
	client *goredis.Client
}

var _ broker.Broker = (*Broker)(nil)

// New creates a Broker on an existing Redis client.
func New(client *goredis.Client) *Broker {
	return &Broker{client: client}
}

// leaseRecord is the msgpack-encoded in-flight entry.
type leaseRecord struct {
	Ref      broker.JobRef `msgpack:"ref"`
	Token    string        `msgpack:"token"`
	Deadline time.Time     `msgpack:"deadline"`
}

// readyScore orders the ready set: lower score pops first, so higher
// priority and earlier sequence sort lower. Sequence values stay well
// inside float64's integer range for any realistic deployment lifetime.
func readyScore(priority int, seq int64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

func (b *Broker) nextSeq(ctx context.Context) (int64, error) {
	seq, err := b.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conductor/redis: next seq: %w", err)
	}
	return seq, nil
}

func (b *Broker) held(ctx context.Context, queue, jobID string) (bool, error) {
	pipe := b.client.Pipeline()
	ready := pipe.ZScore(ctx, readyKey(queue), jobID)
	delayed := pipe.ZScore(ctx, delayedKey(queue), jobID)
	inflight := pipe.HExists(ctx, leaseKey(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("conductor/redis: placement check: %w", err)
	}
	if ready.Err() == nil || delayed.Err() == nil {
		return true, nil
	}
	return inflight.Val(), nil
}

// Enqueue places the job into ready or delayed. No-op if the id is already
// held in any set.
func (b *Broker) Enqueue(ctx context.Context, queue string, ref broker.JobRef, delayUntil *time.Time) error {
	jobID := ref.ID.String()

	held, err := b.held(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if held {
		return nil
	}

	encoded, err := msgpack.Marshal(ref)
	if err != nil {
		return fmt.Errorf("conductor/redis: encode ref: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, refsKey(queue), jobID, encoded)
	if delayUntil != nil && delayUntil.After(time.Now()) {
		pipe.ZAdd(ctx, delayedKey(queue), goredis.Z{
			Score:  float64(delayUntil.UnixMilli()),
			Member: jobID,
		})
	} else {
		seq, seqErr := b.nextSeq(ctx)
		if seqErr != nil {
			return seqErr
		}
		pipe.ZAdd(ctx, readyKey(queue), goredis.Z{
			Score:  readyScore(ref.Priority, seq),
			Member: jobID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conductor/redis: enqueue: %w", err)
	}
	return nil
}

// Reserve pops the best ready member and writes an in-flight lease record.
func (b *Broker) Reserve(ctx context.Context, queue string, lease time.Duration) (*broker.Reservation, error) {
	paused, err := b.Paused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	members, err := b.client.ZPopMin(ctx, readyKey(queue), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("conductor/redis: reserve zpopmin: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	jobID, _ := members[0].Member.(string)
	raw, err := b.client.HGet(ctx, refsKey(queue), jobID).Bytes()
	if err != nil {
		return nil, fmt.Errorf("conductor/redis: reserve ref lookup: %w", err)
	}
	var ref broker.JobRef
	if err := msgpack.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("conductor/redis: decode ref: %w", err)
	}

	token := id.NewLeaseID()
	deadline := time.Now().Add(lease)
	rec, err := msgpack.Marshal(leaseRecord{Ref: ref, Token: token.String(), Deadline: deadline})
	if err != nil {
		return nil, fmt.Errorf("conductor/redis: encode lease: %w", err)
	}
	if err := b.client.HSet(ctx, leaseKey(queue), jobID, rec).Err(); err != nil {
		return nil, fmt.Errorf("conductor/redis: reserve lease write: %w", err)
	}

	return &broker.Reservation{Ref: ref, Token: token, Deadline: deadline}, nil
}

func (b *Broker) loadLease(ctx context.Context, queue, jobID string) (*leaseRecord, error) {
	raw, err := b.client.HGet(ctx, leaseKey(queue), jobID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, conductor.ErrBadToken
	}
	if err != nil {
		return nil, fmt.Errorf("conductor/redis: lease lookup: %w", err)
	}
	var rec leaseRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("conductor/redis: decode lease: %w", err)
	}
	return &rec, nil
}

// Ack removes the in-flight entry.
func (b *Broker) Ack(ctx context.Context, queue string, jobID id.JobID, token id.LeaseID) error {
	key := jobID.String()
	rec, err := b.loadLease(ctx, queue, key)
	if err != nil {
		return err
	}
	if rec.Token != token.String() {
		return conductor.ErrBadToken
	}

	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, leaseKey(queue), key)
	pipe.HDel(ctx, refsKey(queue), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conductor/redis: ack: %w", err)
	}
	return nil
}

// Nack removes the in-flight entry and optionally requeues into delayed.
func (b *Broker) Nack(ctx context.Context, queue string, jobID id.JobID, token id.LeaseID, requeueAfter *time.Duration) error {
	key := jobID.String()
	rec, err := b.loadLease(ctx, queue, key)
	if err != nil {
		return err
	}
	if rec.Token != token.String() {
		return conductor.ErrBadToken
	}

	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, leaseKey(queue), key)
	if requeueAfter != nil {
		due := time.Now().Add(*requeueAfter)
		pipe.ZAdd(ctx, delayedKey(queue), goredis.Z{
			Score:  float64(due.UnixMilli()),
			Member: key,
		})
	} else {
		pipe.HDel(ctx, refsKey(queue), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conductor/redis: nack: %w", err)
	}
	return nil
}

// Remove deletes the job from ready or delayed.
func (b *Broker) Remove(ctx context.Context, queue string, jobID id.JobID) (bool, error) {
	key := jobID.String()
	pipe := b.client.TxPipeline()
	ready := pipe.ZRem(ctx, readyKey(queue), key)
	delayed := pipe.ZRem(ctx, delayedKey(queue), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("conductor/redis: remove: %w", err)
	}

	removed := ready.Val()+delayed.Val() > 0
	if removed {
		if err := b.client.HDel(ctx, refsKey(queue), key).Err(); err != nil {
			return true, fmt.Errorf("conductor/redis: remove ref: %w", err)
		}
	}
	return removed, nil
}

// PromoteDue moves due delayed members into ready in due order.
func (b *Broker) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	due := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &goredis.ZRangeBy{
		Min: "-inf", Max: due,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("conductor/redis: promote range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, jobID := range ids {
		raw, refErr := b.client.HGet(ctx, refsKey(queue), jobID).Bytes()
		if refErr != nil {
			return 0, fmt.Errorf("conductor/redis: promote ref lookup: %w", refErr)
		}
		var ref broker.JobRef
		if decErr := msgpack.Unmarshal(raw, &ref); decErr != nil {
			return 0, fmt.Errorf("conductor/redis: decode ref: %w", decErr)
		}
		seq, seqErr := b.nextSeq(ctx)
		if seqErr != nil {
			return 0, seqErr
		}

		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queue), jobID)
		pipe.ZAdd(ctx, readyKey(queue), goredis.Z{
			Score:  readyScore(ref.Priority, seq),
			Member: jobID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("conductor/redis: promote: %w", err)
		}
	}
	return len(ids), nil
}

// ReapExpiredLeases drops expired in-flight entries and returns their ids.
func (b *Broker) ReapExpiredLeases(ctx context.Context, queue string, now time.Time) ([]id.JobID, error) {
	all, err := b.client.HGetAll(ctx, leaseKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("conductor/redis: reap scan: %w", err)
	}

	var expired []id.JobID
	for jobID, raw := range all {
		var rec leaseRecord
		if err := msgpack.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("conductor/redis: decode lease: %w", err)
		}
		if rec.Deadline.After(now) {
			continue
		}

		pipe := b.client.TxPipeline()
		pipe.HDel(ctx, leaseKey(queue), jobID)
		pipe.HDel(ctx, refsKey(queue), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("conductor/redis: reap: %w", err)
		}
		expired = append(expired, rec.Ref.ID)
	}
	return expired, nil
}

// Sizes reports per-set counts.
func (b *Broker) Sizes(ctx context.Context, queue string) (broker.Sizes, error) {
	pipe := b.client.Pipeline()
	ready := pipe.ZCard(ctx, readyKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	inflight := pipe.HLen(ctx, leaseKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Sizes{}, fmt.Errorf("conductor/redis: sizes: %w", err)
	}
	return broker.Sizes{
		Ready:    int(ready.Val()),
		Delayed:  int(delayed.Val()),
		InFlight: int(inflight.Val()),
	}, nil
}

// Peek returns up to limit refs from one set without removing them.
func (b *Broker) Peek(ctx context.Context, queue string, p broker.Placement, limit int) ([]broker.JobRef, error) {
	var ids []string
	var err error
	switch p {
	case broker.PlacementReady:
		ids, err = b.client.ZRange(ctx, readyKey(queue), 0, int64(limit-1)).Result()
	case broker.PlacementDelayed:
		ids, err = b.client.ZRange(ctx, delayedKey(queue), 0, int64(limit-1)).Result()
	case broker.PlacementInFlight:
		var all map[string]string
		all, err = b.client.HGetAll(ctx, leaseKey(queue)).Result()
		for jobID := range all {
			if len(ids) >= limit {
				break
			}
			ids = append(ids, jobID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("conductor/redis: peek: %w", err)
	}

	refs := make([]broker.JobRef, 0, len(ids))
	for _, jobID := range ids {
		raw, refErr := b.client.HGet(ctx, refsKey(queue), jobID).Bytes()
		if errors.Is(refErr, goredis.Nil) {
			continue
		}
		if refErr != nil {
			return nil, fmt.Errorf("conductor/redis: peek ref: %w", refErr)
		}
		var ref broker.JobRef
		if decErr := msgpack.Unmarshal(raw, &ref); decErr != nil {
			return nil, fmt.Errorf("conductor/redis: decode ref: %w", decErr)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Placement reports which set holds the job.
func (b *Broker) Placement(ctx context.Context, queue string, jobID id.JobID) (broker.Placement, error) {
	key := jobID.String()
	pipe := b.client.Pipeline()
	ready := pipe.ZScore(ctx, readyKey(queue), key)
	delayed := pipe.ZScore(ctx, delayedKey(queue), key)
	inflight := pipe.HExists(ctx, leaseKey(queue), key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return broker.PlacementNone, fmt.Errorf("conductor/redis: placement: %w", err)
	}

	switch {
	case ready.Err() == nil:
		return broker.PlacementReady, nil
	case delayed.Err() == nil:
		return broker.PlacementDelayed, nil
	case inflight.Val():
		return broker.PlacementInFlight, nil
	default:
		return broker.PlacementNone, nil
	}
}

// Pause sets the pause flag for the queue.
func (b *Broker) Pause(ctx context.Context, queue string) error {
	if err := b.client.Set(ctx, pausedKey(queue), "1", 0).Err(); err != nil {
		return fmt.Errorf("conductor/redis: pause: %w", err)
	}
	return nil
}

// Resume clears the pause flag.
func (b *Broker) Resume(ctx context.Context, queue string) error {
	if err := b.client.Del(ctx, pausedKey(queue)).Err(); err != nil {
		return fmt.Errorf("conductor/redis: resume: %w", err)
	}
	return nil
}

// Paused reports the pause flag.
func (b *Broker) Paused(ctx context.Context, queue string) (bool, error) {
	n, err := b.client.Exists(ctx, pausedKey(queue)).Result()
	if err != nil {
		return false, fmt.Errorf("conductor/redis: paused: %w", err)
	}
	return n > 0, nil
}

// Close closes the underlying client.
func (b *Broker) Close() error { return b.client.Close() }
