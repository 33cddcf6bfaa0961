package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const leaseKeyPrefix = "boardmail:lease:"

// 仅当持有者令牌匹配时删除，避免释放别人续上的租约
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease 基于 SET NX PX 的跨实例租约
type Lease struct {
	rdb goredis.UniversalClient
	log *zap.Logger
}

// NewLease 创建租约管理器
func NewLease(c *Client) *Lease {
	return &Lease{rdb: c.rdb, log: c.log}
}

// Acquire 尝试获取租约，已被占用时 ok 为 false
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	token := uuid.NewString()
	fullKey := leaseKeyPrefix + key

	ok, err = l.rdb.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	release = func() {
		// 调用方的 ctx 可能已取消，释放使用独立超时
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{fullKey}, token).Err(); err != nil {
			l.log.Warn("failed to release lease", zap.String("key", key), zap.Error(err))
		}
	}
	return release, true, nil
}
