package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic WATCH retries in Update.
const maxTxRetries = 16

// resolveScript walks each index ascending in chunks and loads the hash of
// every member, skipping members whose hash is gone. Members carry a
// fixed-width sequence before the id (see indexMember). Running as a script
// makes the whole read atomic with respect to other commands.
var resolveScript = redis.NewScript(`
local want = tonumber(ARGV[1])
local prefix = ARGV[2]
local sep = tonumber(ARGV[3])
local out = {}
for i, index in ipairs(KEYS) do
  local side = {}
  local start = 0
  while #side < want do
    local ids = redis.call('ZRANGE', index, start, start + want - 1)
    if #ids == 0 then break end
    for _, member in ipairs(ids) do
      local id = member
      if string.sub(member, sep, sep) == ':' then
        id = string.sub(member, sep + 1)
      end
      local rec = redis.call('HGETALL', prefix .. id)
      if #rec > 0 then
        side[#side + 1] = rec
        if #side >= want then break end
      end
    end
    start = start + want
  end
  out[i] = side
end
return out
`)

type RedisHandle struct {
	client *redis.Client
}

// DialRedis parses a redis:// URL and pings the server once.
func DialRedis(ctx context.Context, url string) (*RedisHandle, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisHandle{client: client}, nil
}

func NewRedisHandle(client *redis.Client) *RedisHandle { return &RedisHandle{client: client} }

func (h *RedisHandle) Close() error { return h.client.Close() }

func (h *RedisHandle) Write(ctx context.Context, fn func(b Batch)) error {
	_, err := h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(&redisBatch{ctx: ctx, p: p})
		return nil
	})
	return err
}

func (h *RedisHandle) Update(ctx context.Context, keys []string, fn func(cur []Record, b Batch) error) error {
	txf := func(tx *redis.Tx) error {
		recs := make([]Record, len(keys))
		for i, key := range keys {
			cur, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(cur) > 0 {
				recs[i] = cur
			}
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return fn(recs, &redisBatch{ctx: ctx, p: p})
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := h.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %v: %w", keys, redis.TxFailedErr)
}

func (h *RedisHandle) NextSeq(ctx context.Context, key string) (uint64, error) {
	n, err := h.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return uint64(n), nil
}

func (h *RedisHandle) Resolve(ctx context.Context, indexes []string, limit int, recordPrefix string) ([][]Record, error) {
	out := make([][]Record, len(indexes))
	if limit <= 0 || len(indexes) == 0 {
		return out, nil
	}
	res, err := resolveScript.Run(ctx, h.client, indexes, limit, recordPrefix, seqWidth+1).Slice()
	if err != nil {
		return nil, fmt.Errorf("resolve %v: %w", indexes, err)
	}
	for i := range indexes {
		if i >= len(res) {
			break
		}
		recs, ok := res[i].([]interface{})
		if !ok {
			continue
		}
		for _, raw := range recs {
			flat, ok := raw.([]interface{})
			if !ok {
				return nil, fmt.Errorf("resolve: unexpected record type %T", raw)
			}
			rec := make(Record, len(flat)/2)
			for j := 0; j+1 < len(flat); j += 2 {
				k, _ := flat[j].(string)
				v, _ := flat[j+1].(string)
				rec[k] = v
			}
			out[i] = append(out[i], rec)
		}
	}
	return out, nil
}

func (h *RedisHandle) Tail(ctx context.Context, key string, limit int) ([]string, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	return h.client.LRange(ctx, key, start, -1).Result()
}

type redisBatch struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (b *redisBatch) HSet(key string, fields Record) {
	args := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	b.p.HSet(b.ctx, key, args...)
}

func (b *redisBatch) Del(key string) { b.p.Del(b.ctx, key) }

func (b *redisBatch) ZAdd(key string, score float64, member string) {
	b.p.ZAdd(b.ctx, key, redis.Z{Score: score, Member: member})
}

func (b *redisBatch) ZRem(key, member string) { b.p.ZRem(b.ctx, key, member) }

func (b *redisBatch) RPush(key, value string) { b.p.RPush(b.ctx, key, value) }

var _ Handle = (*RedisHandle)(nil)
