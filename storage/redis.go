package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldValue = "v"
	fieldTag   = "e"
)

// writeScript checks every supplied tag before touching any key, so a
// mismatch leaves the whole batch unwritten.
//
// ARGV[1] is the TTL in milliseconds (0 keeps keys persistent); then for each
// key i: ARGV[3i-1] supplied tag, ARGV[3i] new tag, ARGV[3i+1] value.
const writeScript = `
local ttl = tonumber(ARGV[1])
for i = 1, #KEYS do
  local supplied = ARGV[(i - 1) * 3 + 2]
  if supplied ~= "" and supplied ~= "*" then
    local current = redis.call("HGET", KEYS[i], "e")
    if current and current ~= supplied then
      return {i, current}
    end
  end
end
for i = 1, #KEYS do
  local base = (i - 1) * 3 + 2
  redis.call("HSET", KEYS[i], "v", ARGV[base + 2], "e", ARGV[base + 1])
  if ttl > 0 then
    redis.call("PEXPIRE", KEYS[i], ttl)
  end
end
return {0, ""}
`

var writeLua = redis.NewScript(writeScript)

// RedisStore is a [Store] backed by Redis hashes. Batch writes run as one Lua
// script, so the tag check and the write are atomic on a single node. Cluster
// deployments must keep a batch within one hash slot.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a [RedisStore]. prefix namespaces every key; ttl > 0
// expires items that many milliseconds after their last write.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "gsi"
	}
	return &RedisStore{
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Read(ctx context.Context, keys []string) (map[string]Item, error) {
	if err := validateKeys(keys); err != nil {
		return nil, err
	}
	out := make(map[string]Item, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, s.key(k), fieldValue, fieldTag)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(vals) != 2 || vals[0] == nil {
			continue
		}
		value, _ := vals[0].(string)
		tag, _ := vals[1].(string)
		out[keys[i]] = Item{Value: []byte(value), ETag: tag}
	}
	return out, nil
}

func (s *RedisStore) Write(ctx context.Context, changes map[string]Item) error {
	if len(changes) == 0 {
		return nil
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	if err := validateKeys(keys); err != nil {
		return err
	}
	sort.Strings(keys)

	redisKeys := make([]string, len(keys))
	args := make([]interface{}, 0, 1+len(keys)*3)
	args = append(args, s.ttl.Milliseconds())
	for i, k := range keys {
		redisKeys[i] = s.key(k)
		item := changes[k]
		args = append(args, item.ETag, newTag(), item.Value)
	}

	result, err := writeLua.Run(ctx, s.redis, redisKeys, args...).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) != 2 {
		return fmt.Errorf("%w: invalid write script response", ErrUnavailable)
	}
	idx, ok := parts[0].(int64)
	if !ok {
		return fmt.Errorf("%w: invalid write script status", ErrUnavailable)
	}
	if idx == 0 {
		return nil
	}
	if idx < 1 || int(idx) > len(keys) {
		return fmt.Errorf("%w: write script index out of range", ErrUnavailable)
	}

	k := keys[idx-1]
	current, _ := parts[1].(string)
	return &ConflictError{Key: k, Expected: changes[k].ETag, Current: current}
}

func (s *RedisStore) Delete(ctx context.Context, keys []string) error {
	if err := validateKeys(keys); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.key(k)
	}
	if err := s.redis.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
