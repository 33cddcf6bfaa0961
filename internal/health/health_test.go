package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHealthChecker(t *testing.T) {
	var storeErr error
	var redisErr error
	hc := NewHealthChecker(func() error { return storeErr }, zap.NewNop())
	hc.AddReadiness("redis", func(context.Context) error { return redisErr })

	serve := func(h http.HandlerFunc) int {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec.Code
	}

	t.Run("全部正常", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(hc.LiveEndpoint))
		assert.Equal(t, http.StatusOK, serve(hc.ReadyEndpoint))
		results := hc.CheckHealth(context.Background())
		assert.Equal(t, "OK", results["database"])
		assert.Equal(t, "OK", results["redis"])
	})

	t.Run("Redis 故障只影响就绪", func(t *testing.T) {
		redisErr = errors.New("dial tcp: refused")
		defer func() { redisErr = nil }()
		assert.Equal(t, http.StatusOK, serve(hc.LiveEndpoint))
		assert.Equal(t, http.StatusServiceUnavailable, serve(hc.ReadyEndpoint))
		assert.Contains(t, hc.CheckHealth(context.Background())["redis"], "ERROR")
	})

	t.Run("存储故障影响存活", func(t *testing.T) {
		storeErr = errors.New("db closed")
		defer func() { storeErr = nil }()
		assert.Equal(t, http.StatusServiceUnavailable, serve(hc.LiveEndpoint))
	})
}
