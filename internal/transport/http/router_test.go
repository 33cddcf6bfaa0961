package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"boardmail/backend/internal/config"
	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/health"
	"boardmail/backend/internal/monitoring"
	"boardmail/backend/internal/poller"
	"boardmail/backend/internal/storage/memory"
)

const adminToken = "ops-token"

type fakeTrigger struct {
	triggered []string
	err       error
}

func (f *fakeTrigger) TriggerPoll(accountID string) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, accountID)
	return nil
}

type testServer struct {
	router  *gin.Engine
	trigger *fakeTrigger
	alerts  *monitoring.AlertManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store := memory.NewStore()
	require.NoError(t, store.SaveAccount(ctx, &domain.MailboxAccount{
		ID: "acc-1", BoardID: "board-1", Provider: domain.ProviderGmail,
		ProviderAccountID: "support@acme.io", Status: domain.AccountStatusActive, Watermark: "12345",
	}))
	require.NoError(t, store.SaveAccount(ctx, &domain.MailboxAccount{
		ID: "acc-2", BoardID: "board-1", Provider: domain.ProviderIMAP,
		ProviderAccountID: "sales@acme.io", Status: domain.AccountStatusInactive,
	}))

	cfg := &config.Config{
		Server: config.ServerConfig{AdminToken: adminToken},
		CORS:   config.CORSConfig{AllowedOrigins: []string{"*"}},
	}
	log := zap.NewNop()
	ts := &testServer{trigger: &fakeTrigger{}, alerts: monitoring.NewAlertManager(3, log)}
	ts.router = NewRouter(RouterDependencies{
		Config:   cfg,
		Metrics:  monitoring.NewMetrics(),
		Health:   health.NewHealthChecker(store.Health, log),
		Alerts:   ts.alerts,
		Poller:   ts.trigger,
		Accounts: store,
		Logger:   log,
	})
	return ts
}

func (ts *testServer) do(method, path string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set("X-API-Key", adminToken)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestPublicEndpoints(t *testing.T) {
	ts := newTestServer(t)

	t.Run("指标", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/metrics", false)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "boardmail_uptime_seconds"))
	})

	t.Run("健康检查", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health/live", false).Code)
		assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health/ready", false).Code)

		rec := ts.do(http.MethodGet, "/health", false)
		var results map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
		assert.Equal(t, "OK", results["database"])
	})
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)

	t.Run("需要令牌", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodPost, "/admin/accounts/acc-1/poll", false).Code)
		assert.Empty(t, ts.trigger.triggered)
	})

	t.Run("触发轮询", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/admin/accounts/acc-1/poll", true)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, MsgPollQueued, decode(t, rec).Msg)
		assert.Equal(t, []string{"acc-1"}, ts.trigger.triggered)
	})

	t.Run("账户不存在", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/admin/accounts/missing/poll", true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("停用账户不能轮询", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/admin/accounts/acc-2/poll", true)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("队列已满", func(t *testing.T) {
		ts.trigger.err = poller.ErrTriggerBusy
		defer func() { ts.trigger.err = nil }()
		rec := ts.do(http.MethodPost, "/admin/accounts/acc-1/poll", true)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("账户状态", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/admin/accounts/acc-1", true)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec).Data.(map[string]interface{})
		assert.Equal(t, "12345", data["watermark"])
		assert.Equal(t, "active", data["status"])
		assert.NotContains(t, rec.Body.String(), "Token")
	})

	t.Run("告警列表", func(t *testing.T) {
		ts.alerts.ReportPollFailure("acc-1", domain.KindCredentialInvalid)
		rec := ts.do(http.MethodGet, "/admin/alerts", true)
		require.Equal(t, http.StatusOK, rec.Code)
		alerts := decode(t, rec).Data.([]interface{})
		assert.Len(t, alerts, 1)
	})
}
