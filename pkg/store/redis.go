package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//   - task:{id}                 hash {data, status, updatedAt}
//   - bucket:{bucketId}         sorted set, every score 0, members are ids (lexicographic order)
//   - bucketmeta:{bucketId}     hash id -> TaskMetadata JSON
//   - tasks:by_scheduled        sorted set scored by scheduledAt
//   - tasks:by_created          sorted set scored by createdAt
const (
	taskKeyPrefix       = "task:"
	bucketKeyPrefix     = "bucket:"
	bucketMetaKeyPrefix = "bucketmeta:"
	byScheduledKey      = "tasks:by_scheduled"
	byCreatedKey        = "tasks:by_created"
)

// updateStatusScript sets status only when the record exists.
var updateStatusScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updatedAt', ARGV[2])
	return 1
`)

// casStatusScript swaps status when the current value is one of ARGV[3..].
// Returns {current, swapped}; current is '' when the record is missing.
var casStatusScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'status')
	if not current then
		return {'', 0}
	end
	for i = 3, #ARGV do
		if ARGV[i] == current then
			redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updatedAt', ARGV[2])
			return {current, 1}
		end
	end
	return {current, 0}
`)

// casSaveScript rewrites the record when its status is one of ARGV[7..].
// ARGV: data, status, updatedAt, scheduledAt, createdAt, id.
var casSaveScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'status')
	if not current then
		return {'', 0}
	end
	for i = 7, #ARGV do
		if ARGV[i] == current then
			redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', ARGV[2], 'updatedAt', ARGV[3])
			redis.call('ZADD', KEYS[2], ARGV[4], ARGV[6])
			redis.call('ZADD', KEYS[3], ARGV[5], ARGV[6])
			return {current, 1}
		end
	end
	return {current, 0}
`)

// RedisStore keeps tasks in Redis hashes. Status and updatedAt live in their
// own fields so that narrow updates never rewrite the JSON body.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func taskKey(id string) string { return taskKeyPrefix + id }

func bucketKey(bucketID int64) string {
	return bucketKeyPrefix + strconv.FormatInt(bucketID, 10)
}

func bucketMetaKey(bucketID int64) string {
	return bucketMetaKeyPrefix + strconv.FormatInt(bucketID, 10)
}

func (s *RedisStore) Get(ctx context.Context, id string) (tasks.Task, error) {
	fields, err := s.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return tasks.Task{}, tasks.Transient("get task", err)
	}
	if len(fields) == 0 {
		return tasks.Task{}, fmt.Errorf("task %s: %w", id, tasks.ErrNotFound)
	}
	return decodeTaskFields(fields)
}

func (s *RedisStore) GetBatch(ctx context.Context, ids []string) ([]tasks.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, tasks.Transient("get batch", err)
	}

	out := make([]tasks.Task, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := decodeTaskFields(fields)
		if err != nil {
			skipCorrupt(ids[i], err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeTaskFields(fields map[string]string) (tasks.Task, error) {
	var t tasks.Task
	if err := json.Unmarshal([]byte(fields["data"]), &t); err != nil {
		return tasks.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if st, ok := fields["status"]; ok && st != "" {
		t.Status = tasks.Status(st)
	}
	if ua, ok := fields["updatedAt"]; ok {
		if v, err := strconv.ParseInt(ua, 10, 64); err == nil {
			t.UpdatedAt = v
		}
	}
	return t, nil
}

func (s *RedisStore) Save(ctx context.Context, task tasks.Task) (tasks.Task, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return tasks.Task{}, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(task.ID),
		"data", data,
		"status", string(task.Status),
		"updatedAt", task.UpdatedAt,
	)
	pipe.ZAdd(ctx, byScheduledKey, redis.Z{Score: float64(task.ScheduledAt), Member: task.ID})
	pipe.ZAdd(ctx, byCreatedKey, redis.Z{Score: float64(task.CreatedAt), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return tasks.Task{}, tasks.Transient("save task", err)
	}
	return task, nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status tasks.Status, updatedAt int64) error {
	n, err := updateStatusScript.Run(ctx, s.rdb, []string{taskKey(id)}, string(status), updatedAt).Int()
	if err != nil {
		return tasks.Transient("update status", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, tasks.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) CompareAndSetStatus(ctx context.Context, id string, from []tasks.Status, to tasks.Status, updatedAt int64) (tasks.Status, bool, error) {
	args := make([]interface{}, 0, len(from)+2)
	args = append(args, string(to), updatedAt)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := casStatusScript.Run(ctx, s.rdb, []string{taskKey(id)}, args...).Slice()
	if err != nil {
		return "", false, tasks.Transient("compare and set status", err)
	}
	return casReply(id, res)
}

func (s *RedisStore) CompareAndSave(ctx context.Context, task tasks.Task, from []tasks.Status) (tasks.Status, bool, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", false, err
	}
	args := make([]interface{}, 0, len(from)+6)
	args = append(args, data, string(task.Status), task.UpdatedAt, task.ScheduledAt, task.CreatedAt, task.ID)
	for _, st := range from {
		args = append(args, string(st))
	}

	keys := []string{taskKey(task.ID), byScheduledKey, byCreatedKey}
	res, err := casSaveScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return "", false, tasks.Transient("compare and save", err)
	}
	return casReply(task.ID, res)
}

// casReply decodes the {current, swapped} reply of the CAS scripts.
func casReply(id string, res []interface{}) (tasks.Status, bool, error) {
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected script reply %v", res)
	}
	current, _ := res[0].(string)
	if current == "" {
		return "", false, fmt.Errorf("task %s: %w", id, tasks.ErrNotFound)
	}
	swapped, _ := res[1].(int64)
	return tasks.Status(current), swapped == 1, nil
}

func (s *RedisStore) ScanBucket(ctx context.Context, bucketID int64, cursor string, limit int) ([]tasks.TaskMetadata, string, error) {
	from := "-"
	if cursor != "" {
		from = "(" + cursor
	}

	ids, err := s.rdb.ZRangeByLex(ctx, bucketKey(bucketID), &redis.ZRangeBy{
		Min:   from,
		Max:   "+",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, "", tasks.Transient("scan bucket", err)
	}
	if len(ids) == 0 {
		return nil, "", nil
	}

	raw, err := s.rdb.HMGet(ctx, bucketMetaKey(bucketID), ids...).Result()
	if err != nil {
		return nil, "", tasks.Transient("scan bucket metadata", err)
	}

	page := make([]tasks.TaskMetadata, 0, len(ids))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			// Index entry without a usable body; keep the id so the page stays contiguous.
			b := bucketID
			page = append(page, tasks.TaskMetadata{ID: ids[i], BucketID: &b})
			continue
		}
		var m tasks.TaskMetadata
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			skipCorrupt(ids[i], err)
			b := bucketID
			page = append(page, tasks.TaskMetadata{ID: ids[i], BucketID: &b})
			continue
		}
		page = append(page, m)
	}

	next := ""
	if len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return page, next, nil
}

func (s *RedisStore) SaveMetadata(ctx context.Context, meta tasks.TaskMetadata) error {
	if meta.BucketID == nil {
		meta = meta.WithBucket()
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, bucketKey(*meta.BucketID), redis.Z{Score: 0, Member: meta.ID})
	pipe.HSet(ctx, bucketMetaKey(*meta.BucketID), meta.ID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return tasks.Transient("save metadata", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]tasks.Task, error) {
	ids, err := s.rdb.ZRevRange(ctx, byScheduledKey, 0, -1).Result()
	if err != nil {
		return nil, tasks.Transient("list tasks", err)
	}
	list, err := s.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortByScheduledDesc(list)
	return list, nil
}

func (s *RedisStore) Search(ctx context.Context, q SearchQuery) ([]tasks.Task, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, byCreatedKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(q.Start, 10),
		Max: strconv.FormatInt(q.End, 10),
	}).Result()
	if err != nil {
		return nil, tasks.Transient("search tasks", err)
	}
	found, err := s.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := found[:0]
	for _, t := range found {
		if q.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
