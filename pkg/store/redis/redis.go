// Package redis mirrors the displayed run status into Redis so several
// consoles attached to the same server share one view.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

const defaultPrefix = "qualibrate"

type RunStatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRunStatusCache creates a cache under the "qualibrate" key prefix. A
// zero ttl keeps entries until Clear.
func NewRunStatusCache(client *redis.Client, ttl time.Duration) *RunStatusCache {
	return &RunStatusCache{client: client, prefix: defaultPrefix, ttl: ttl, logger: slog.Default()}
}

// WithPrefix namespaces the keys, for example per server.
func (s *RunStatusCache) WithPrefix(prefix string) *RunStatusCache {
	s.prefix = prefix
	return s
}

func (s *RunStatusCache) makeKey(target string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, target)
}

func (s *RunStatusCache) setKey() string {
	return s.prefix + ":runs"
}

func (s *RunStatusCache) Set(info runstatus.Info) {
	if info.Target == "" {
		return
	}
	key := s.makeKey(info.Target)
	data, err := json.Marshal(info)
	if err != nil {
		s.logger.Error("redis_marshal_failed", "key", key, "error", err)
		return
	}
	ctx := context.Background()
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Error("redis_set_failed", "key", key, "error", err)
		return
	}
	if err := s.client.SAdd(ctx, s.setKey(), key).Err(); err != nil {
		s.logger.Error("redis_sadd_failed", "key", key, "error", err)
	}
}

func (s *RunStatusCache) Get(target string) (runstatus.Info, bool) {
	key := s.makeKey(target)
	ctx := context.Background()
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Error("redis_get_failed", "key", key, "error", err)
		}
		return runstatus.Info{}, false
	}
	var info runstatus.Info
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		s.logger.Error("redis_unmarshal_failed", "key", key, "error", err)
		return runstatus.Info{}, false
	}
	return info, true
}

// GetAll returns every cached run status. Expired members are skipped.
func (s *RunStatusCache) GetAll() []runstatus.Info {
	ctx := context.Background()
	keys, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		s.logger.Error("redis_smembers_failed", "key", s.setKey(), "error", err)
		return nil
	}
	if len(keys) == 0 {
		return []runstatus.Info{}
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Error("redis_mget_failed", "error", err)
		return nil
	}
	var infos []runstatus.Info
	for i, val := range values {
		if val == nil {
			continue
		}
		str, ok := val.(string)
		if !ok {
			s.logger.Warn("redis_mget_non_string", "key", keys[i])
			continue
		}
		var info runstatus.Info
		if err := json.Unmarshal([]byte(str), &info); err != nil {
			s.logger.Error("redis_unmarshal_failed", "key", keys[i], "error", err)
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

func (s *RunStatusCache) Clear() {
	ctx := context.Background()
	keys, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		s.logger.Error("redis_smembers_failed", "key", s.setKey(), "error", err)
		return
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			s.logger.Error("redis_del_failed", "error", err)
		}
	}
	if err := s.client.Del(ctx, s.setKey()).Err(); err != nil {
		s.logger.Error("redis_del_failed", "key", s.setKey(), "error", err)
	}
}

// ObserveUpdate publishes the merged status. Discarded updates leave the
// cache untouched.
func (s *RunStatusCache) ObserveUpdate(_ runstatus.Update, outcome runstatus.Outcome, info runstatus.Info) {
	if outcome == runstatus.OutcomeStale || outcome == runstatus.OutcomeIgnored {
		return
	}
	s.Set(info)
}
