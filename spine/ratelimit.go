// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"hydra/coordinator/shared/logger"
)

// RateLimiter enforces a per-head sliding-window request limit. When a
// Redis URL is configured the window lives in Redis so several coordinator
// instances share it; otherwise an in-memory window is used. Redis errors
// fail open.
type RateLimiter struct {
	limitPerMinute int
	client         *redis.Client
	log            *logger.Logger

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewRateLimiter builds a limiter. redisURL may be empty for purely local
// operation.
func NewRateLimiter(limitPerMinute int, redisURL string) *RateLimiter {
	rl := &RateLimiter{
		limitPerMinute: limitPerMinute,
		windows:        make(map[string][]time.Time),
		log:            logger.New("ratelimit"),
	}
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			rl.log.Warn("", "", "invalid redis URL, using in-memory rate limiting", map[string]interface{}{"error": err.Error()})
			return rl
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			rl.log.Warn("", "", "redis unreachable, using in-memory rate limiting", map[string]interface{}{"error": err.Error()})
			return rl
		}
		rl.client = client
	}
	return rl
}

// Allow reports whether the head may submit another command this minute.
func (rl *RateLimiter) Allow(ctx context.Context, headID string) error {
	if rl.limitPerMinute <= 0 {
		return nil
	}
	if headID == "" {
		headID = "anonymous"
	}
	if rl.client != nil {
		return rl.allowRedis(ctx, headID)
	}
	return rl.allowLocal(headID)
}

func (rl *RateLimiter) allowLocal(headID string) error {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window := rl.windows[headID]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.limitPerMinute {
		rl.windows[headID] = kept
		return fmt.Errorf("rate limit exceeded for head %s: %d requests/minute", headID, rl.limitPerMinute)
	}
	rl.windows[headID] = append(kept, now)
	return nil
}

func (rl *RateLimiter) allowRedis(ctx context.Context, headID string) error {
	now := time.Now()
	key := fmt.Sprintf("hydra:ratelimit:%s", headID)

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-time.Minute).Unix()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: a broken limiter must not take down dispatching.
		rl.log.Warn(headID, "", "redis rate limit check failed, failing open", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if countCmd.Val() >= int64(rl.limitPerMinute) {
		return fmt.Errorf("rate limit exceeded for head %s: %d requests/minute", headID, rl.limitPerMinute)
	}
	return nil
}
