package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/poller"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标（运维端口）
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	PanicsTotal         prometheus.Counter

	// 轮询指标
	PollsTotal         *prometheus.CounterVec
	PollFailures       *prometheus.CounterVec
	PollDuration       prometheus.Histogram
	MessagesFetched    prometheus.Counter
	LastSuccessfulPoll *prometheus.GaugeVec

	// 写入指标
	MessagesIngested  *prometheus.CounterVec
	CardsCreated      prometheus.Counter
	DuplicatesSkipped prometheus.Counter
	MalformedMessages prometheus.Counter
	CardTransitions   *prometheus.CounterVec

	// 凭证指标
	TokenRefreshes      *prometheus.CounterVec
	AccountsDeactivated prometheus.Counter

	// 系统指标
	SystemUptime prometheus.Gauge

	startedAt time.Time
}

// NewMetrics 创建监控指标，注册到独立的 Registry，便于测试重复创建
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boardmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "boardmail_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardmail_polls_total",
				Help: "Total number of account polls by outcome",
			},
			[]string{"outcome"},
		),

		PollFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardmail_poll_failures_total",
				Help: "Poll failures by account and error kind",
			},
			[]string{"account_id", "kind"},
		),

		PollDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "boardmail_poll_duration_seconds",
				Help:    "Duration of a single account poll",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),

		MessagesFetched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "boardmail_messages_fetched_total",
				Help: "Messages returned by mailbox providers",
			},
		),

		LastSuccessfulPoll: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "boardmail_last_successful_poll_timestamp_seconds",
				Help: "Unix time of the last successful poll per account",
			},
			[]string{"account_id"},
		),

		MessagesIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardmail_messages_ingested_total",
				Help: "Messages written to cards by direction",
			},
			[]string{"direction"},
		),

		CardsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "boardmail_cards_created_total",
				Help: "Cards created for new threads",
			},
		),

		DuplicatesSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "boardmail_messages_duplicate_total",
				Help: "Messages skipped because they were already ingested",
			},
		),

		MalformedMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "boardmail_messages_malformed_total",
				Help: "Messages skipped because they could not be parsed",
			},
		),

		CardTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardmail_card_transitions_total",
				Help: "Card state transitions",
			},
			[]string{"from", "to", "cause"},
		),

		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boardmail_token_refreshes_total",
				Help: "OAuth token refreshes by result",
			},
			[]string{"result"},
		),

		AccountsDeactivated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "boardmail_accounts_deactivated_total",
				Help: "Accounts deactivated because their credentials were rejected",
			},
		),

		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "boardmail_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),

		startedAt: time.Now(),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// PollCompleted 实现 poller.Telemetry
func (m *Metrics) PollCompleted(accountID string, result *poller.Result, elapsed time.Duration) {
	if result.Locked {
		m.PollsTotal.WithLabelValues("locked").Inc()
		return
	}
	m.PollsTotal.WithLabelValues("ok").Inc()
	m.PollDuration.Observe(elapsed.Seconds())
	m.MessagesFetched.Add(float64(result.Fetched))
	m.LastSuccessfulPoll.WithLabelValues(accountID).SetToCurrentTime()
}

// PollFailed 实现 poller.Telemetry
func (m *Metrics) PollFailed(accountID string, kind domain.ErrorKind) {
	if kind == domain.KindMalformedMessage {
		// 格式错误的邮件被跳过，不算轮询失败
		m.MalformedMessages.Inc()
		return
	}
	m.PollsTotal.WithLabelValues("error").Inc()
	m.PollFailures.WithLabelValues(accountID, string(kind)).Inc()
}

// MessageIngested 实现 service.IngestObserver
func (m *Metrics) MessageIngested(direction domain.MessageDirection, cardCreated bool) {
	m.MessagesIngested.WithLabelValues(string(direction)).Inc()
	if cardCreated {
		m.CardsCreated.Inc()
	}
}

// DuplicateSkipped 实现 service.IngestObserver
func (m *Metrics) DuplicateSkipped() {
	m.DuplicatesSkipped.Inc()
}

// OnTransition 实现 service.TransitionObserver
func (m *Metrics) OnTransition(_ context.Context, t domain.Transition) {
	m.CardTransitions.WithLabelValues(string(t.From), string(t.To), string(t.Cause)).Inc()
}

// TokenRefreshed 实现 credential.Observer
func (m *Metrics) TokenRefreshed(result string) {
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

// AccountDeactivated 实现 credential.Observer
func (m *Metrics) AccountDeactivated() {
	m.AccountsDeactivated.Inc()
}

// UpdateSystemUptime 更新运行时间
func (m *Metrics) UpdateSystemUptime() {
	m.SystemUptime.Set(time.Since(m.startedAt).Seconds())
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus 指标处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
