// Package queue provides the Redis Streams message buses that connect the
// pipeline stages. It supports:
//   - Keyed publishing of JSON messages to named streams
//   - Consumer groups with micro-batch reads and explicit acknowledgement
//   - Hash partitioning of the dispatch bus so each key has a single owner
//   - Delayed re-enqueue of retried tasks via a sorted set and a Lua mover
//
// The Client type is the main entry point for interacting with the buses.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// Bus names.
//
// Stream Architecture:
//   - task-requests:{p}: dispatch bus, one stream per partition, consumed by the engine owning p
//   - scheduled-tasks: due tasks, consumed by the delivery stage
//   - delivered-tasks: full task records for downstream executors
//   - task-results: execution reports, consumed by the outcome stage
//   - failed-tasks: notifications for tasks that exhausted their retries
//   - retry-delayed:{p}: sorted set of RETRYING tasks waiting for their delay
const (
	DispatchStream  = "task-requests"
	ScheduledStream = "scheduled-tasks"
	DeliveredStream = "delivered-tasks"
	ResultsStream   = "task-results"
	FailedStream    = "failed-tasks"

	retryDelayedPrefix = "retry-delayed"
)

// Client manages the connection to Redis and provides methods for bus operations.
// All operations are context-aware and support graceful cancellation.
type Client struct {
	rdb        *redis.Client
	partitions int
}

// NewClient creates a new bus client connected to the specified Redis address.
// The address should be in the format "host:port" (e.g., "localhost:6379").
//
// Example:
//
//	client := queue.NewClient("localhost:6379", 4)
func NewClient(addr string, partitions int) *Client {
	return New(redis.NewClient(&redis.Options{Addr: addr}), partitions)
}

// New wraps an existing redis client. partitions below 1 are treated as 1.
func New(rdb *redis.Client, partitions int) *Client {
	if partitions < 1 {
		partitions = 1
	}
	return &Client{rdb: rdb, partitions: partitions}
}

// Redis exposes the underlying connection so the task store can share it.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Partitions returns the number of dispatch partitions.
func (c *Client) Partitions() int { return c.partitions }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Partition maps a task id to its dispatch partition.
// The mapping is stable across processes so that one engine owns each key.
func (c *Client) Partition(key string) int {
	return int(xxhash.Sum64String(key) % uint64(c.partitions))
}

// DispatchStreamFor returns the stream name of dispatch partition p.
func DispatchStreamFor(p int) string {
	return DispatchStream + ":" + strconv.Itoa(p)
}

func retryDelayedKey(p int) string {
	return retryDelayedPrefix + ":" + strconv.Itoa(p)
}

// Publish appends v as JSON to stream, tagged with key.
// It returns the stream entry id assigned by Redis.
func (c *Client) Publish(ctx context.Context, stream, key string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"key": key, "data": data},
	}).Result()
	if err != nil {
		return "", tasks.Transient("publish "+stream, err)
	}
	return id, nil
}

// PublishDispatch routes metadata to the dispatch partition owning its id.
func (c *Client) PublishDispatch(ctx context.Context, meta tasks.TaskMetadata) error {
	_, err := c.Publish(ctx, DispatchStreamFor(c.Partition(meta.ID)), meta.ID, meta)
	return err
}

// Delay schedules metadata for re-dispatch at the given time.
// Members are stored as "<id>\n<json>" so the mover can recover the key without decoding.
func (c *Client) Delay(ctx context.Context, meta tasks.TaskMetadata, at time.Time) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	p := c.Partition(meta.ID)
	err = c.rdb.ZAdd(ctx, retryDelayedKey(p), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: meta.ID + "\n" + string(data),
	}).Err()
	if err != nil {
		return tasks.Transient("delay", err)
	}
	return nil
}

// moveDueScript atomically:
//  1. Fetches all members with score (epoch ms) <= now from the delayed set
//  2. Removes them from the delayed set
//  3. Appends each to the dispatch stream with its key
//
// Running it from several workers at once never moves an entry twice.
var moveDueScript = redis.NewScript(`
	local delayed_key = KEYS[1]
	local stream_key = KEYS[2]
	local now = tonumber(ARGV[1])

	local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)

	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)

		for _, member in ipairs(due) do
			local sep = string.find(member, '\n', 1, true)
			if sep then
				local key = string.sub(member, 1, sep - 1)
				local data = string.sub(member, sep + 1)
				redis.call('XADD', stream_key, '*', 'key', key, 'data', data)
			end
		end
	end

	return #due
`)

// MoveDue moves every due delayed entry of partition p to its dispatch stream.
// It returns the number of entries moved.
func (c *Client) MoveDue(ctx context.Context, p int, now time.Time) (int64, error) {
	n, err := moveDueScript.Run(ctx, c.rdb,
		[]string{retryDelayedKey(p), DispatchStreamFor(p)},
		now.UnixMilli(),
	).Int64()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// StartRetryMover runs a background loop that periodically moves due retries
// back onto the dispatch bus for every partition.
//
// Usage:
//
//	go client.StartRetryMover(ctx, 500*time.Millisecond)
//
// The mover will gracefully shut down when the context is cancelled.
func (c *Client) StartRetryMover(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for p := 0; p < c.partitions; p++ {
				if _, err := c.MoveDue(ctx, p, now); err != nil && ctx.Err() == nil {
					// Log error but continue
					logger.Log.Error().Err(err).Int("partition", p).Msg("Retry mover error")
				}
			}
		}
	}
}

// Streams returns every stream name the pipeline uses.
func (c *Client) Streams() []string {
	names := []string{ScheduledStream, DeliveredStream, ResultsStream, FailedStream}
	for p := 0; p < c.partitions; p++ {
		names = append(names, DispatchStreamFor(p))
	}
	return names
}

// Depths returns the current number of entries for all streams and delayed sets.
func (c *Client) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)

	for _, s := range c.Streams() {
		if n, err := c.rdb.XLen(ctx, s).Result(); err == nil {
			depths[s] = n
		}
	}

	for p := 0; p < c.partitions; p++ {
		if n, err := c.rdb.ZCard(ctx, retryDelayedKey(p)).Result(); err == nil {
			depths[retryDelayedKey(p)] = n
		}
	}

	return depths
}

// Inspect returns up to limit of the most recent entries of a stream without consuming them.
// Delayed sets ("retry-delayed:{p}") are also accepted.
func (c *Client) Inspect(ctx context.Context, stream string, limit int64) ([]Message, error) {
	if strings.HasPrefix(stream, retryDelayedPrefix+":") {
		members, err := c.rdb.ZRange(ctx, stream, 0, limit-1).Result()
		if err != nil {
			return nil, err
		}
		out := make([]Message, 0, len(members))
		for _, m := range members {
			key, data, ok := strings.Cut(m, "\n")
			if !ok {
				continue
			}
			out = append(out, Message{Stream: stream, Key: key, Data: []byte(data)})
		}
		return out, nil
	}

	entries, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", limit).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, toMessage(stream, e))
	}
	return out, nil
}

// Message is one entry read from a stream.
type Message struct {
	ID     string `json:"id"`
	Stream string `json:"stream"`
	Key    string `json:"key"`
	Data   []byte `json:"-"`
}

// Decode unmarshals the JSON body into v.
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// MarshalJSON renders the body inline for inspection endpoints.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	body := json.RawMessage(m.Data)
	if !json.Valid(body) {
		body = json.RawMessage("null")
	}
	return json.Marshal(struct {
		alias
		Data json.RawMessage `json:"data"`
	}{alias(m), body})
}

func toMessage(stream string, e redis.XMessage) Message {
	m := Message{ID: e.ID, Stream: stream}
	if k, ok := e.Values["key"].(string); ok {
		m.Key = k
	}
	if d, ok := e.Values["data"].(string); ok {
		m.Data = []byte(d)
	}
	return m
}
