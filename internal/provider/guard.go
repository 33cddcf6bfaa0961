package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"boardmail/backend/internal/domain"
)

// GuardOptions 限流参数
type GuardOptions struct {
	Rate  float64 // 每秒请求数
	Burst int
}

// Guards 按账户隔离的熔断器与限流器，一个账户的故障不会影响其他账户
type Guards struct {
	name  string
	opts  GuardOptions
	log   *zap.Logger
	items sync.Map // accountID -> *guard
}

type guard struct {
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewGuards 创建熔断限流器集合
func NewGuards(name string, opts GuardOptions, log *zap.Logger) *Guards {
	if opts.Rate <= 0 {
		opts.Rate = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Guards{name: name, opts: opts, log: log}
}

func (g *Guards) get(accountID string) *guard {
	if v, ok := g.items.Load(accountID); ok {
		return v.(*guard)
	}
	settings := gobreaker.Settings{
		Name:        g.name + ":" + accountID,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// 只有临时故障计入失败
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	v, _ := g.items.LoadOrStore(accountID, &guard{
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(g.opts.Rate), g.opts.Burst),
	})
	return v.(*guard)
}

// Do 限流后在熔断器内执行 fn；fn 返回的错误应已分类
func (g *Guards) Do(ctx context.Context, accountID string, fn func() error) error {
	gd := g.get(accountID)
	if err := gd.limiter.Wait(ctx); err != nil {
		return domain.Transient(err)
	}
	_, err := gd.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Transient(err)
	}
	return err
}

// State 返回账户熔断器状态
func (g *Guards) State(accountID string) gobreaker.State {
	return g.get(accountID).breaker.State()
}
