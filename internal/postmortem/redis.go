package postmortem

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisWeightStore keeps weights in Redis so several engine processes share
// one accumulator per skill. Each update is one MULTI/EXEC transaction.
type RedisWeightStore struct {
	client *redis.Client
	prefix string
}

func NewRedisWeightStore(client *redis.Client, prefix string) *RedisWeightStore {
	if prefix == "" {
		prefix = "stepflow:skill_weight"
	}
	return &RedisWeightStore{client: client, prefix: prefix}
}

func (r *RedisWeightStore) keys(contextID, skill string) (weight, signals string) {
	base := fmt.Sprintf("%s:%s:%s", r.prefix, contextID, skill)
	return base + ":weight", base + ":signals"
}

func (r *RedisWeightStore) Accumulate(ctx context.Context, contextID, skill string, s Signal, maxSignals int) (Weight, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Weight{}, fmt.Errorf("marshal signal: %w", err)
	}
	wKey, sKey := r.keys(contextID, skill)

	var total *redis.FloatCmd
	var list *redis.StringSliceCmd
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		total = p.IncrByFloat(ctx, wKey, s.Weight)
		p.RPush(ctx, sKey, data)
		if maxSignals > 0 {
			p.LTrim(ctx, sKey, int64(-maxSignals), -1)
		}
		list = p.LRange(ctx, sKey, 0, -1)
		return nil
	})
	if err != nil {
		return Weight{}, fmt.Errorf("redis accumulate: %w", err)
	}

	w := Weight{ContextID: contextID, Skill: skill, Accumulated: total.Val()}
	for _, raw := range list.Val() {
		var sig Signal
		if err := json.Unmarshal([]byte(raw), &sig); err == nil {
			w.Signals = append(w.Signals, sig)
		}
	}
	return w, nil
}

func (r *RedisWeightStore) Reset(ctx context.Context, contextID, skill string) error {
	wKey, sKey := r.keys(contextID, skill)
	if err := r.client.Del(ctx, wKey, sKey).Err(); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	return nil
}

// Get reads the current weight without changing it.
func (r *RedisWeightStore) Get(ctx context.Context, contextID, skill string) (float64, error) {
	wKey, _ := r.keys(contextID, skill)
	v, err := r.client.Get(ctx, wKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}
