package poller

import (
	"context"
	"sync"
	"time"
)

// Lease 账户级互斥租约，保证同一账户不会被并发轮询
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLease 进程内租约，未配置 Redis 时使用，只适用于单实例部署
type LocalLease struct {
	held sync.Map // key -> struct{}
}

// NewLocalLease 创建进程内租约
func NewLocalLease() *LocalLease {
	return &LocalLease{}
}

// Acquire 尝试获取租约，已被持有时 ok 为 false
func (l *LocalLease) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	if _, loaded := l.held.LoadOrStore(key, struct{}{}); loaded {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(func() { l.held.Delete(key) }) }, true, nil
}
