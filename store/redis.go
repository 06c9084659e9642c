package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Lua script for the conditional write. The version check and the
// write are a single instruction from Redis's perspective, so two
// racing writers cannot both pass the check.
const conditionalPutScript = `
-- KEYS[1] = record key
-- ARGV[1] = expected version (0 = must not exist)
-- ARGV[2] = new version
-- ARGV[3] = blob
-- ARGV[4..] = attr field/value pairs

local current = redis.call("HGET", KEYS[1], "version")

if tonumber(ARGV[1]) == 0 then
    if current then
        return 0
    end
elseif not current or tonumber(current) ~= tonumber(ARGV[1]) then
    return 0
end

redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "blob", ARGV[3], "version", ARGV[2])
for i = 4, #ARGV, 2 do
    redis.call("HSET", KEYS[1], "attr:" .. ARGV[i], ARGV[i + 1])
end
return 1
`

// RedisStore implements KV on Redis. Conditional writes go through a
// preloaded Lua script; secondary indexes are sorted sets keyed by
// partition value with the sort attribute as score.
type RedisStore struct {
	client *redis.Client
	log    *logrus.Entry

	conditionalPutSHA string
}

// NewRedisStore connects and preloads the CAS script.
func NewRedisStore(addr, password string, db int, log *logrus.Entry) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	sha, err := client.ScriptLoad(ctx, conditionalPutScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload conditional put script: %w", err)
	}

	return &RedisStore{client: client, log: log, conditionalPutSHA: sha}, nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

func indexSetKey(index, partition string) string {
	return fmt.Sprintf("taskforge:index:%s:%s", index, partition)
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return recordFromHash(key, fields), nil
}

func (s *RedisStore) ConditionalPut(ctx context.Context, key string, blob []byte, attrs map[string]string, expectVersion, newVersion int64) error {
	prev, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis hgetall %s: %w", key, err)
	}

	args := make([]interface{}, 0, 3+len(attrs)*2)
	args = append(args, expectVersion, newVersion, string(blob))
	for k, v := range attrs {
		args = append(args, k, v)
	}

	result, err := s.client.EvalSha(ctx, s.conditionalPutSHA, []string{key}, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		// Redis restarted and dropped the script cache.
		s.conditionalPutSHA, _ = s.client.ScriptLoad(ctx, conditionalPutScript).Result()
		result, err = s.client.EvalSha(ctx, s.conditionalPutSHA, []string{key}, args...).Result()
	}
	if err != nil {
		return fmt.Errorf("redis conditional put %s: %w", key, err)
	}
	if ok, _ := result.(int64); ok == 0 {
		return ErrVersionConflict
	}

	s.updateIndexes(ctx, key, attrsFromHash(prev), attrs)
	return nil
}

func (s *RedisStore) Put(ctx context.Context, key string, blob []byte, attrs map[string]string, ttl time.Duration) error {
	prev, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	version := int64(1)
	if v, ok := prev["version"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		version = n + 1
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	fields := map[string]interface{}{"blob": string(blob), "version": version}
	for k, v := range attrs {
		fields["attr:"+k] = v
	}
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}

	s.updateIndexes(ctx, key, attrsFromHash(prev), attrs)
	return nil
}

func (s *RedisStore) QueryByIndex(ctx context.Context, index, partition string, rng *SortRange, limit int) ([]*Record, error) {
	if _, ok := Indexes[index]; !ok {
		return nil, ErrNotFound
	}
	setKey := indexSetKey(index, partition)

	min, max := "-inf", "+inf"
	if rng != nil {
		if rng.Min != "" {
			min = strconv.FormatFloat(sortScore(rng.Min), 'f', -1, 64)
		}
		if rng.Max != "" {
			max = strconv.FormatFloat(sortScore(rng.Max), 'f', -1, 64)
		}
	}

	by := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		by.Count = int64(limit)
	}

	var keys []string
	var err error
	if rng != nil && rng.Descending {
		keys, err = s.client.ZRevRangeByScore(ctx, setKey, by).Result()
	} else {
		keys, err = s.client.ZRangeByScore(ctx, setKey, by).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis index query %s: %w", setKey, err)
	}

	records := make([]*Record, 0, len(keys))
	for _, k := range keys {
		fields, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall %s: %w", k, err)
		}
		if len(fields) == 0 {
			// Record expired via TTL; drop the stale index member.
			s.client.ZRem(ctx, setKey, k)
			continue
		}
		records = append(records, recordFromHash(k, fields))
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	prev, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	s.updateIndexes(ctx, key, attrsFromHash(prev), nil)
	return nil
}

// updateIndexes moves the key between index sorted sets after a write.
// Index maintenance is advisory; a reader that hits a stale member
// re-checks the record and prunes it.
func (s *RedisStore) updateIndexes(ctx context.Context, key string, oldAttrs, newAttrs map[string]string) {
	pipe := s.client.Pipeline()
	for name, def := range Indexes {
		oldPart, hadOld := oldAttrs[def.PartitionAttr]
		newPart, hasNew := newAttrs[def.PartitionAttr]
		if hadOld && (!hasNew || oldPart != newPart) {
			pipe.ZRem(ctx, indexSetKey(name, oldPart), key)
		}
		if hasNew {
			pipe.ZAdd(ctx, indexSetKey(name, newPart), redis.Z{
				Score:  sortScore(newAttrs[def.SortAttr]),
				Member: key,
			})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("index maintenance failed")
	}
}

func recordFromHash(key string, fields map[string]string) *Record {
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	return &Record{
		Key:     key,
		Blob:    []byte(fields["blob"]),
		Version: version,
		Attrs:   attrsFromHash(fields),
	}
}

func attrsFromHash(fields map[string]string) map[string]string {
	attrs := make(map[string]string)
	for k, v := range fields {
		if strings.HasPrefix(k, "attr:") {
			attrs[strings.TrimPrefix(k, "attr:")] = v
		}
	}
	return attrs
}

// sortScore maps a sort-attribute value onto a zset score. Numeric
// strings (including zero-padded millisecond timestamps) parse
// directly; ISO-8601 values fall back to their epoch seconds.
func sortScore(v string) float64 {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return float64(t.Unix())
	}
	return 0
}
