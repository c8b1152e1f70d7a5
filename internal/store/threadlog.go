package store

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Threads ordered by their last logged operation
const activityKey = "threads:active"

// Appends an operation, publishes it with its sequence number and marks the
// thread active. Readers never see the publish before the operation is in the
// list.
var appendScript = redis.NewScript(`
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local seq = base + n - 1
redis.call('PUBLISH', KEYS[3], seq .. ' ' .. ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[3])
return seq
`)

var boundsScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
return {base, base + redis.call('LLEN', KEYS[1])}
`)

// Returns base and counter followed by the operations in [from, to), if the
// range is available
var rangeScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local ctr = base + redis.call('LLEN', KEYS[1])
local from, to = tonumber(ARGV[1]), tonumber(ARGV[2])
if from < base or to > ctr or from >= to then
	return {base, ctr}
end
local ops = redis.call('LRANGE', KEYS[1], from - base, to - base - 1)
table.insert(ops, 1, ctr)
table.insert(ops, 1, base)
return ops
`)

// Folds the whole list into the base
var compactScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
local base = redis.call('INCRBY', KEYS[2], n)
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return base
`)

// ThreadLog is the append-only operation log of every thread. A thread's
// counter is the number of operations ever appended, including those
// compacted away.
type ThreadLog struct {
	rdb redis.UniversalClient
}

func NewThreadLog(rdb redis.UniversalClient) *ThreadLog {
	return &ThreadLog{rdb: rdb}
}

func listKey(thread uint64) string {
	return fmt.Sprintf("thread:%d:log", thread)
}

func baseKey(thread uint64) string {
	return fmt.Sprintf("thread:%d:base", thread)
}

// Channel operations of a thread are published on
func Channel(thread uint64) string {
	return fmt.Sprintf("thread:%d:ops", thread)
}

// Append logs an operation frame and publishes it. Returns the operation's
// sequence number, which is the counter before the append.
func (l *ThreadLog) Append(ctx context.Context, thread uint64, frame []byte) (uint64, error) {
	id := strconv.FormatUint(thread, 10)
	seq, err := appendScript.Run(ctx, l.rdb,
		[]string{listKey(thread), baseKey(thread), Channel(thread), activityKey},
		frame, time.Now().Unix(), id,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("appending to thread %d: %w", thread, err)
	}
	return uint64(seq), nil
}

// Counter returns the number of operations in a thread's log
func (l *ThreadLog) Counter(ctx context.Context, thread uint64) (uint64, error) {
	_, ctr, err := l.Bounds(ctx, thread)
	return ctr, err
}

// Bounds returns the number of compacted operations and the counter of a
// thread. Operations in [base, ctr) can be read.
func (l *ThreadLog) Bounds(ctx context.Context, thread uint64) (base, ctr uint64, err error) {
	res, err := boundsScript.Run(ctx, l.rdb,
		[]string{listKey(thread), baseKey(thread)},
	).Int64Slice()
	switch {
	case err != nil:
		return 0, 0, fmt.Errorf("reading counter of thread %d: %w", thread, err)
	case len(res) != 2:
		return 0, 0, fmt.Errorf("reading counter of thread %d: short reply", thread)
	}
	return uint64(res[0]), uint64(res[1]), nil
}

// Range returns the operations in [from, to). Fails with ErrCompacted, if
// part of the range was compacted, and ErrRange, if it reaches past the end.
func (l *ThreadLog) Range(ctx context.Context, thread, from, to uint64) ([][]byte, error) {
	if from == to {
		return nil, nil
	}
	if from > to {
		return nil, ErrRange
	}

	res, err := rangeScript.Run(ctx, l.rdb,
		[]string{listKey(thread), baseKey(thread)},
		from, to,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("reading log of thread %d: %w", thread, err)
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("reading log of thread %d: short reply", thread)
	}
	base, _ := res[0].(int64)
	ctr, _ := res[1].(int64)
	switch {
	case from < uint64(base):
		return nil, ErrCompacted
	case to > uint64(ctr):
		return nil, ErrRange
	}

	ops := make([][]byte, 0, len(res)-2)
	for _, r := range res[2:] {
		s, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("reading log of thread %d: unexpected %T", thread, r)
		}
		ops = append(ops, []byte(s))
	}
	return ops, nil
}

// Compact drops all logged operations of a thread, keeping its counter.
// Clients behind the counter must then reload the thread. Returns the
// counter.
func (l *ThreadLog) Compact(ctx context.Context, thread uint64) (uint64, error) {
	base, err := compactScript.Run(ctx, l.rdb,
		[]string{listKey(thread), baseKey(thread), activityKey},
		strconv.FormatUint(thread, 10),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("compacting thread %d: %w", thread, err)
	}
	return uint64(base), nil
}

// Idle returns the threads with no operation logged since before
func (l *ThreadLog) Idle(ctx context.Context, before time.Time) ([]uint64, error) {
	members, err := l.rdb.ZRangeByScore(ctx, activityKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing idle threads: %w", err)
	}
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Subscribe to the operations published for a thread. The subscription is
// confirmed before returning, so no operation appended afterwards is missed.
func (l *ThreadLog) Subscribe(ctx context.Context, thread uint64) (*redis.PubSub, error) {
	ps := l.rdb.Subscribe(ctx, Channel(thread))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to thread %d: %w", thread, err)
	}
	return ps, nil
}

// ParsePublished splits a published payload into the operation's sequence
// number and frame
func ParsePublished(payload string) (seq uint64, frame []byte, err error) {
	buf := []byte(payload)
	i := bytes.IndexByte(buf, ' ')
	if i == -1 {
		return 0, nil, fmt.Errorf("malformed published operation %q", payload)
	}
	seq, err = strconv.ParseUint(payload[:i], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("malformed sequence number: %w", err)
	}
	return seq, buf[i+1:], nil
}
