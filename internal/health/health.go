package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger 可探测的外部依赖
type Pinger func(ctx context.Context) error

// HealthChecker 健康检查器
//
// 存储为存活检查，其余依赖（Redis、提供商）为就绪检查。
type HealthChecker struct {
	health    healthcheck.Handler
	liveness  map[string]Pinger
	readiness map[string]Pinger
	timeout   time.Duration
	logger    *zap.Logger
}

// NewHealthChecker 创建健康检查器，storeHealth 为关系存储的健康检查
func NewHealthChecker(storeHealth func() error, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health:    healthcheck.NewHandler(),
		liveness:  make(map[string]Pinger),
		readiness: make(map[string]Pinger),
		timeout:   5 * time.Second,
		logger:    logger,
	}

	hc.AddLiveness("database", func(context.Context) error { return storeHealth() })
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))

	return hc
}

// AddLiveness 添加存活检查
func (hc *HealthChecker) AddLiveness(name string, ping Pinger) {
	hc.liveness[name] = ping
	hc.health.AddLivenessCheck(name, hc.check(ping))
}

// AddReadiness 添加就绪检查
func (hc *HealthChecker) AddReadiness(name string, ping Pinger) {
	hc.readiness[name] = ping
	hc.health.AddReadinessCheck(name, hc.check(ping))
}

func (hc *HealthChecker) check(ping Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()
		return ping(ctx)
	}
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行所有检查，返回每项的状态
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string)

	names := make([]string, 0, len(hc.liveness)+len(hc.readiness))
	all := make(map[string]Pinger, cap(names))
	for name, ping := range hc.liveness {
		all[name] = ping
		names = append(names, name)
	}
	for name, ping := range hc.readiness {
		all[name] = ping
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
		err := all[name](checkCtx)
		cancel()
		if err != nil {
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			results[name] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results[name] = "OK"
		}
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}
