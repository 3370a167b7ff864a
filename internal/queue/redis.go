package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key layout under prefix:
//
//	{prefix}:visible   ZSET  message id scored by visible-after (unix ms)
//	{prefix}:msg:{id}  HASH  owner, event, enqueued_at, receive_count, receipt
//	{prefix}:dlq       LIST  id|event|enqueued_at|receive_count|dead_at|owner
//
// The dlq list holds dead letters until the sink accepts them.
//
// Claims, deletes and extensions run as Lua scripts so a receipt check and the
// write that follows it are atomic.

var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
local dead = {}
for i, id in ipairs(ids) do
  local key = ARGV[5] .. id
  if redis.call('EXISTS', key) == 0 then
    redis.call('ZREM', KEYS[1], id)
  else
    local n = redis.call('HINCRBY', key, 'receive_count', 1)
    local f = redis.call('HMGET', key, 'owner', 'event', 'enqueued_at')
    if n > tonumber(ARGV[4]) then
      redis.call('ZREM', KEYS[1], id)
      redis.call('DEL', key)
      redis.call('RPUSH', KEYS[2], id .. '|' .. f[2] .. '|' .. f[3] .. '|' .. n .. '|' .. ARGV[1] .. '|' .. f[1])
      table.insert(dead, {id, f[1], f[2], f[3], n})
    else
      local visible = tonumber(ARGV[1]) + tonumber(ARGV[3])
      redis.call('ZADD', KEYS[1], visible, id)
      redis.call('HSET', key, 'receipt', ARGV[5 + i])
      table.insert(out, {id, f[1], f[2], f[3], n, visible, ARGV[5 + i]})
    end
  end
end
return {out, dead}
`)

var deleteScript = redis.NewScript(`
local r = redis.call('HGET', KEYS[2], 'receipt')
if (not r) or r ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

var popDeadScript = redis.NewScript(`
if redis.call('LINDEX', KEYS[1], 0) == ARGV[1] then
  redis.call('LPOP', KEYS[1])
  return 1
end
return 0
`)

var extendScript = redis.NewScript(`
local r = redis.call('HGET', KEYS[2], 'receipt')
if (not r) or r ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// RedisQueue is the shared Queue used when API and workers run as separate processes.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	opts   Options
}

var (
	_ Queue             = (*RedisQueue)(nil)
	_ DeadLetterFlusher = (*RedisQueue)(nil)
)

func NewRedisQueue(rdb *redis.Client, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "evgw:q"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, opts: opts.withDefaults()}
}

func (q *RedisQueue) visibleKey() string      { return q.prefix + ":visible" }
func (q *RedisQueue) dlqKey() string          { return q.prefix + ":dlq" }
func (q *RedisQueue) msgPrefix() string       { return q.prefix + ":msg:" }
func (q *RedisQueue) msgKey(id string) string { return q.msgPrefix() + id }

func ms(t time.Time) int64     { return t.UnixMilli() }
func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func (q *RedisQueue) Enqueue(ctx context.Context, ref model.EventRef, delay time.Duration) error {
	now := q.opts.Now()
	id := util.NewAt(now)
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.msgKey(id),
			"owner", ref.OwnerID,
			"event", ref.EventID,
			"enqueued_at", ms(now),
			"receive_count", 0,
		)
		p.ZAdd(ctx, q.visibleKey(), redis.Z{Score: float64(ms(now.Add(delay))), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ref.EventID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	now := q.opts.Now()
	args := []any{ms(now), max, visibility.Milliseconds(), q.opts.MaxReceive, q.msgPrefix()}
	for i := 0; i < max; i++ {
		args = append(args, uuid.NewString())
	}

	res, err := dequeueScript.Run(ctx, q.rdb, []string{q.visibleKey(), q.dlqKey()}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply of %d elements", len(res))
	}

	claimed, _ := res[0].([]any)
	out := make([]Message, 0, len(claimed))
	for _, raw := range claimed {
		row, ok := raw.([]any)
		if !ok || len(row) != 7 {
			return nil, fmt.Errorf("dequeue: malformed row %v", raw)
		}
		id := asString(row[0])
		out = append(out, Message{
			MessageID:     id,
			ReceiptHandle: receipt(id, asString(row[6])),
			Ref:           model.EventRef{OwnerID: asString(row[1]), EventID: asString(row[2])},
			EnqueuedAt:    fromMs(asInt(row[3])),
			ReceiveCount:  int(asInt(row[4])),
			VisibleAfter:  fromMs(asInt(row[5])),
		})
	}

	rows, _ := res[1].([]any)
	dead := make([]model.DeadLetterEnvelope, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.([]any)
		if !ok || len(row) != 5 {
			continue
		}
		dead = append(dead, model.DeadLetterEnvelope{
			MessageID:    asString(row[0]),
			OwnerID:      asString(row[1]),
			EventID:      asString(row[2]),
			EnqueuedAt:   fromMs(asInt(row[3])),
			ReceiveCount: int(asInt(row[4])),
			DeadAt:       now,
		})
	}
	deadLettered(ctx, q.opts, q, dead)
	return out, nil
}

// FlushDeadLetters publishes the head of the dlq list and pops it only after the
// sink accepted it. Two flushers racing may publish an entry twice; the archiver
// is idempotent.
func (q *RedisQueue) FlushDeadLetters(ctx context.Context) (int, error) {
	if q.opts.DeadLetters == nil {
		return 0, nil
	}
	n := 0
	for {
		raw, err := q.rdb.LIndex(ctx, q.dlqKey(), 0).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read dead-letter: %w", err)
		}
		if env, ok := parseDeadLetter(raw); ok {
			if err := q.opts.DeadLetters.PublishDeadLetter(ctx, env); err != nil {
				return n, fmt.Errorf("publish dead-letter %s: %w", env.EventID, err)
			}
			n++
		} else {
			q.opts.Logger.Warn("dropping malformed dead-letter entry", zap.String("entry", raw))
		}
		if err := popDeadScript.Run(ctx, q.rdb, []string{q.dlqKey()}, raw).Err(); err != nil {
			return n, fmt.Errorf("pop dead-letter: %w", err)
		}
	}
}

func parseDeadLetter(raw string) (model.DeadLetterEnvelope, bool) {
	f := strings.SplitN(raw, "|", 6)
	if len(f) != 6 || f[0] == "" || f[1] == "" {
		return model.DeadLetterEnvelope{}, false
	}
	return model.DeadLetterEnvelope{
		MessageID:    f[0],
		EventID:      f[1],
		EnqueuedAt:   fromMs(asInt(f[2])),
		ReceiveCount: int(asInt(f[3])),
		DeadAt:       fromMs(asInt(f[4])),
		OwnerID:      f[5],
	}, true
}

func (q *RedisQueue) Delete(ctx context.Context, r string) error {
	id, token, err := parseReceipt(r)
	if err != nil {
		return err
	}
	n, err := deleteScript.Run(ctx, q.rdb, []string{q.visibleKey(), q.msgKey(id)}, id, token).Int()
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrReceiptInvalid
	}
	return nil
}

func (q *RedisQueue) ExtendVisibility(ctx context.Context, r string, delay time.Duration) error {
	id, token, err := parseReceipt(r)
	if err != nil {
		return err
	}
	until := ms(q.opts.Now().Add(delay))
	n, err := extendScript.Run(ctx, q.rdb, []string{q.visibleKey(), q.msgKey(id)}, id, token, until).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", id, err)
	}
	if n == 0 {
		return ErrReceiptInvalid
	}
	return nil
}

// Depth reports messages owned by the queue and dead letters still waiting for the sink.
func (q *RedisQueue) Depth(ctx context.Context) (live, dead int64, err error) {
	live, err = q.rdb.ZCard(ctx, q.visibleKey()).Result()
	if err != nil {
		return 0, 0, err
	}
	dead, err = q.rdb.LLen(ctx, q.dlqKey()).Result()
	return live, dead, err
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(t), 10, 64)
		return n
	}
	return 0
}
