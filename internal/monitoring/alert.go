package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/poller"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Level      AlertLevel        `json:"level"`
	Component  string            `json:"component"`
	Timestamp  time.Time         `json:"timestamp"`
	Resolved   bool              `json:"resolved"`
	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AlertRule 周期检查的告警规则
type AlertRule struct {
	ID        string
	Name      string
	Condition func() bool
	Level     AlertLevel
	Component string
	Message   string
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器
//
// 同一 ID 的告警在解决前只发送一次。账户告警在连续失败达到阈值或凭证失效时触发，
// 下一次成功轮询时解决。
type AlertManager struct {
	alerts    map[string]*Alert
	rules     []AlertRule
	receivers []AlertReceiver
	failures  map[string]int // accountID -> 连续失败次数
	threshold int
	logger    *zap.Logger
	mu        sync.Mutex
	now       func() time.Time
}

// NewAlertManager 创建告警管理器，threshold 为触发账户告警的连续失败次数
func NewAlertManager(threshold int, logger *zap.Logger) *AlertManager {
	if threshold <= 0 {
		threshold = 3
	}
	return &AlertManager{
		alerts:    make(map[string]*Alert),
		failures:  make(map[string]int),
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警
func (am *AlertManager) TriggerAlert(alert *Alert) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.trigger(alert)
}

func (am *AlertManager) trigger(alert *Alert) {
	if existing, ok := am.alerts[alert.ID]; ok && !existing.Resolved {
		return
	}
	am.alerts[alert.ID] = alert

	for _, receiver := range am.receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
}

// ResolveAlert 解决告警
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.resolve(alertID)
}

func (am *AlertManager) resolve(alertID string) {
	if alert, ok := am.alerts[alertID]; ok && !alert.Resolved {
		now := am.now()
		alert.Resolved = true
		alert.ResolvedAt = &now
		am.logger.Info("alert resolved", zap.String("alert_id", alertID))
	}
}

// GetActiveAlerts 获取未解决的告警，按时间排序
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Timestamp.Before(alerts[j].Timestamp) })
	return alerts
}

// ReportPollFailure 记录一次账户轮询失败
func (am *AlertManager) ReportPollFailure(accountID string, kind domain.ErrorKind) {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.failures[accountID]++
	count := am.failures[accountID]

	switch {
	case kind == domain.KindCredentialInvalid:
		am.trigger(&Alert{
			ID:        accountAlertID(accountID),
			Title:     "Mailbox reconnect required",
			Message:   "Provider rejected the stored credentials",
			Level:     AlertLevelCritical,
			Component: "credential",
			Timestamp: am.now(),
			Metadata:  map[string]string{"account_id": accountID, "kind": string(kind)},
		})
	case count >= am.threshold:
		am.trigger(&Alert{
			ID:        accountAlertID(accountID),
			Title:     "Mailbox poll failing",
			Message:   fmt.Sprintf("%d consecutive poll failures", count),
			Level:     AlertLevelWarning,
			Component: "poller",
			Timestamp: am.now(),
			Metadata:  map[string]string{"account_id": accountID, "kind": string(kind)},
		})
	}
}

// ReportPollSuccess 记录一次账户轮询成功，解决该账户的告警
func (am *AlertManager) ReportPollSuccess(accountID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	delete(am.failures, accountID)
	am.resolve(accountAlertID(accountID))
}

func accountAlertID(accountID string) string {
	return "account:" + accountID
}

// CheckRules 检查告警规则，条件恢复时解决对应告警
func (am *AlertManager) CheckRules() {
	am.mu.Lock()
	rules := append([]AlertRule(nil), am.rules...)
	am.mu.Unlock()

	for _, rule := range rules {
		firing := rule.Condition()

		am.mu.Lock()
		if firing {
			am.trigger(&Alert{
				ID:        "rule:" + rule.ID,
				Title:     rule.Name,
				Message:   rule.Message,
				Level:     rule.Level,
				Component: rule.Component,
				Timestamp: am.now(),
			})
		} else {
			am.resolve("rule:" + rule.ID)
		}
		am.mu.Unlock()
	}
}

// StartMonitoring 按间隔检查规则直到 ctx 结束
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// StoreUnavailableRule 存储不可用告警规则
func StoreUnavailableRule(health func() error) AlertRule {
	return AlertRule{
		ID:        "store_unavailable",
		Name:      "Store Unavailable",
		Condition: func() bool { return health() != nil },
		Level:     AlertLevelCritical,
		Component: "database",
		Message:   "Relational store health check failed",
	}
}

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Any("metadata", alert.Metadata),
	}
	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}

// Sink 轮询遥测汇总：指标与告警
type Sink struct {
	metrics *Metrics
	alerts  *AlertManager
}

var _ poller.Telemetry = (*Sink)(nil)

// NewSink 创建遥测汇总
func NewSink(metrics *Metrics, alerts *AlertManager) *Sink {
	return &Sink{metrics: metrics, alerts: alerts}
}

// PollCompleted 实现 poller.Telemetry
func (s *Sink) PollCompleted(accountID string, result *poller.Result, elapsed time.Duration) {
	s.metrics.PollCompleted(accountID, result, elapsed)
	if !result.Locked {
		s.alerts.ReportPollSuccess(accountID)
	}
}

// PollFailed 实现 poller.Telemetry
func (s *Sink) PollFailed(accountID string, kind domain.ErrorKind) {
	s.metrics.PollFailed(accountID, kind)
	if kind != domain.KindMalformedMessage {
		s.alerts.ReportPollFailure(accountID, kind)
	}
}
