package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// Consumer reads one stream as a member of a consumer group.
//
// Delivery is at-least-once: messages stay pending until acknowledged, and a
// restarted consumer with the same name first re-reads its own pending entries.
// Entries left pending by a consumer that never came back are taken over once
// they have been idle for ClaimIdle.
type Consumer struct {
	rdb       *redis.Client
	stream    string
	group     string
	name      string
	count     int64
	block     time.Duration
	claimIdle time.Duration

	// pendingDone is set once the consumer's pending list has been drained.
	pendingDone bool
	lastClaim   time.Time
}

// ConsumerOptions configures a micro-batch reader.
// A batch closes when Count messages are available or Block elapses, whichever comes first.
type ConsumerOptions struct {
	Stream string
	Group  string
	Name   string
	Count  int
	Block  time.Duration

	// ClaimIdle is the idle time after which another consumer's pending
	// entries are reclaimed. Zero disables reclaiming.
	ClaimIdle time.Duration
}

// NewConsumer creates the group (and stream) if needed and returns a reader.
func (c *Client) NewConsumer(ctx context.Context, opts ConsumerOptions) (*Consumer, error) {
	err := c.rdb.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, tasks.Transient("create group "+opts.Group, err)
	}

	if opts.Count < 1 {
		opts.Count = 1
	}
	if opts.Block <= 0 {
		opts.Block = 500 * time.Millisecond
	}

	return &Consumer{
		rdb:       c.rdb,
		stream:    opts.Stream,
		group:     opts.Group,
		name:      opts.Name,
		count:     int64(opts.Count),
		block:     opts.Block,
		claimIdle: opts.ClaimIdle,
	}, nil
}

// Stream returns the stream this consumer reads.
func (k *Consumer) Stream() string { return k.stream }

// ReadBatch returns the next micro-batch. It returns an empty batch and no
// error when the block window elapses without messages.
func (k *Consumer) ReadBatch(ctx context.Context) ([]Message, error) {
	if !k.pendingDone {
		msgs, err := k.read(ctx, "0", -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		k.pendingDone = true
	}
	if k.claimIdle > 0 && time.Since(k.lastClaim) >= k.claimIdle {
		k.lastClaim = time.Now()
		msgs, err := k.claim(ctx)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
	return k.read(ctx, ">", k.block)
}

// claim moves entries idle for longer than claimIdle to this consumer.
func (k *Consumer) claim(ctx context.Context) ([]Message, error) {
	res, _, err := k.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   k.stream,
		Group:    k.group,
		Consumer: k.name,
		MinIdle:  k.claimIdle,
		Start:    "0-0",
		Count:    k.count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, tasks.Transient("claim "+k.stream, err)
	}

	out := make([]Message, 0, len(res))
	for _, e := range res {
		out = append(out, toMessage(k.stream, e))
	}
	return out, nil
}

func (k *Consumer) read(ctx context.Context, id string, block time.Duration) ([]Message, error) {
	res, err := k.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    k.group,
		Consumer: k.name,
		Streams:  []string{k.stream, id},
		Count:    k.count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, tasks.Transient("read "+k.stream, err)
	}

	var out []Message
	for _, s := range res {
		for _, e := range s.Messages {
			out = append(out, toMessage(s.Stream, e))
		}
	}
	return out, nil
}

// Ack acknowledges processed messages so they are not redelivered.
func (k *Consumer) Ack(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := k.rdb.XAck(ctx, k.stream, k.group, ids...).Err(); err != nil {
		return tasks.Transient("ack "+k.stream, err)
	}
	return nil
}

// Rewind makes the next ReadBatch re-read this consumer's pending entries.
// Stages call it after a batch they could not acknowledge.
func (k *Consumer) Rewind() { k.pendingDone = false }
