package serverstate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/gpupool/internal/logx"
)

// redisStore implements Store backed by a Redis instance.
type redisStore struct {
	client redis.UniversalClient
	key    string
	ctx    context.Context
}

const redisKey = "gpupool:snapshot"

// NewRedisStore connects to the given Redis URL and returns a Store. The key
// is initialized to an empty snapshot if it does not exist.
func NewRedisStore(addr string) (*redisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	rs := &redisStore{client: c, key: redisKey, ctx: context.Background()}
	if err := c.Ping(rs.ctx).Err(); err != nil {
		return nil, err
	}
	b, _ := json.Marshal(Snapshot{Status: "not_ready"})
	_ = c.SetNX(rs.ctx, rs.key, b, 0).Err()
	return rs, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel deployments. Without a scheme, addr is treated as host:port.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			if db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/")); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		} else if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if v := q.Get("sentinel_username"); v != "" {
			opts.SentinelUsername = v
		}
		if v := q.Get("sentinel_password"); v != "" {
			opts.SentinelPassword = v
		}
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	return opts, nil
}

func (r *redisStore) Load() Snapshot {
	b, err := r.client.Get(r.ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Snapshot{Status: "not_ready"}
		}
		logx.Log.Warn().Err(err).Msg("redis snapshot load failed")
		return Snapshot{Status: "unknown"}
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{Status: "unknown"}
	}
	return s
}

func (r *redisStore) Store(s Snapshot) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.client.Set(r.ctx, r.key, b, 0).Err(); err != nil {
		logx.Log.Warn().Err(err).Msg("redis snapshot store failed")
	}
}
