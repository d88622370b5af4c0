package jobcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Slot hashes hold: state, claimant, result_id, infeasible, entry (JSON).
var (
	claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= '1' then return 0 end
if redis.call('HGET', KEYS[1], 'result_id') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'state', '2', 'claimant', ARGV[1])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= '2' then return 0 end
if redis.call('HGET', KEYS[1], 'claimant') ~= ARGV[1] then return 0 end
if ARGV[2] == '1' then
  redis.call('HSET', KEYS[1], 'state', '1')
  redis.call('HDEL', KEYS[1], 'claimant')
  redis.call('HINCRBY', KEYS[1], 'infeasible', 1)
else
  redis.call('DEL', KEYS[1])
end
return 1
`)

	infeasibleScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st or st == '0' then return 0 end
if redis.call('HGET', KEYS[1], 'result_id') ~= ARGV[1] then return 0 end
return redis.call('HINCRBY', KEYS[1], 'infeasible', 1)
`)

	fillScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if st and st ~= '0' then return 0 end
redis.call('HSET', KEYS[1], 'state', '1', 'result_id', ARGV[1], 'entry', ARGV[2], 'infeasible', '0')
return 1
`)
)

// Redis is a Cache shared by scheduler processes on different machines.
// Each slot is a hash mutated only through Lua scripts, so the test-and-set
// on its state is atomic on the server.
type Redis struct {
	rdb    *redis.Client
	prefix string
	size   int
}

// NewRedis creates a Redis cache of size slots under key prefix.
func NewRedis(rdb *redis.Client, prefix string, size int) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, size: size}
}

func (r *Redis) key(i int) string {
	return fmt.Sprintf("%s:slot:%d", r.prefix, i)
}

func (r *Redis) Len() int { return r.size }

func (r *Redis) Window(ctx context.Context, start, n int) ([]Slot, error) {
	idx := windowIndexes(r.size, start, n)
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(idx))
	for i, j := range idx {
		cmds[i] = pipe.HGetAll(ctx, r.key(j))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read cache window: %w", err)
	}
	out := make([]Slot, len(idx))
	for i, j := range idx {
		s, err := decodeSlot(j, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func decodeSlot(index int, h map[string]string) (Slot, error) {
	s := Slot{Index: index}
	if len(h) == 0 {
		return s, nil
	}
	st, err := strconv.Atoi(h["state"])
	if err != nil {
		return s, fmt.Errorf("decode slot %d state: %w", index, err)
	}
	s.State = SlotState(st)
	if s.State == SlotEmpty {
		return s, nil
	}
	s.Claimant = h["claimant"]
	s.Infeasible, _ = strconv.Atoi(h["infeasible"])
	if err := json.Unmarshal([]byte(h["entry"]), &s.Entry); err != nil {
		return s, fmt.Errorf("decode slot %d entry: %w", index, err)
	}
	return s, nil
}

func (r *Redis) Claim(ctx context.Context, index int, worker string, resultID int64) (bool, error) {
	if index < 0 || index >= r.size {
		return false, ErrOutOfRange
	}
	n, err := claimScript.Run(ctx, r.rdb, []string{r.key(index)}, worker, strconv.FormatInt(resultID, 10)).Int()
	if err != nil {
		return false, fmt.Errorf("claim slot %d: %w", index, err)
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, index int, worker string, to SlotState) error {
	if index < 0 || index >= r.size {
		return ErrOutOfRange
	}
	present := "0"
	if to == SlotPresent {
		present = "1"
	}
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.key(index)}, worker, present).Int()
	if err != nil {
		return fmt.Errorf("release slot %d: %w", index, err)
	}
	if n == 0 {
		return ErrNotClaimant
	}
	return nil
}

func (r *Redis) MarkInfeasible(ctx context.Context, index int, resultID int64) error {
	if index < 0 || index >= r.size {
		return ErrOutOfRange
	}
	err := infeasibleScript.Run(ctx, r.rdb, []string{r.key(index)}, strconv.FormatInt(resultID, 10)).Err()
	if err != nil {
		return fmt.Errorf("mark slot %d infeasible: %w", index, err)
	}
	return nil
}

func (r *Redis) Fill(ctx context.Context, index int, e Entry) error {
	if index < 0 || index >= r.size {
		return ErrOutOfRange
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	n, err := fillScript.Run(ctx, r.rdb, []string{r.key(index)}, strconv.FormatInt(e.Result.ID, 10), string(data)).Int()
	if err != nil {
		return fmt.Errorf("fill slot %d: %w", index, err)
	}
	if n == 0 {
		return ErrSlotBusy
	}
	return nil
}
