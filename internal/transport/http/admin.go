package httptransport

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/monitoring"
	"boardmail/backend/internal/storage"
)

// PollTrigger 手动触发轮询
type PollTrigger interface {
	TriggerPoll(accountID string) error
}

// AccountReader 读取账户轮询状态
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*domain.MailboxAccount, error)
}

// AdminHandler 运维接口处理器
type AdminHandler struct {
	poller   PollTrigger
	accounts AccountReader
	alerts   *monitoring.AlertManager
	log      *zap.Logger
}

// NewAdminHandler 创建运维接口处理器
func NewAdminHandler(poller PollTrigger, accounts AccountReader, alerts *monitoring.AlertManager, log *zap.Logger) *AdminHandler {
	return &AdminHandler{poller: poller, accounts: accounts, alerts: alerts, log: log}
}

// accountStatus 账户轮询状态
type accountStatus struct {
	ID           string               `json:"id"`
	BoardID      string               `json:"boardId"`
	Provider     domain.ProviderKind  `json:"provider"`
	Status       domain.AccountStatus `json:"status"`
	StatusReason string               `json:"statusReason,omitempty"`
	Watermark    string               `json:"watermark,omitempty"`
	WatermarkAt  *time.Time           `json:"watermarkAt,omitempty"`
	LastPolledAt *time.Time           `json:"lastPolledAt,omitempty"`
	LastError    string               `json:"lastError,omitempty"`
}

// GetAccount 查询账户轮询状态
// GET /admin/accounts/:id
func (h *AdminHandler) GetAccount(c *gin.Context) {
	account, err := h.accounts.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NotFound(c, MsgAccountNotFound)
			return
		}
		h.log.Error("failed to load account", zap.String("account_id", c.Param("id")), zap.Error(err))
		RespondError(c, err)
		return
	}

	Success(c, accountStatus{
		ID:           account.ID,
		BoardID:      account.BoardID,
		Provider:     account.Provider,
		Status:       account.Status,
		StatusReason: account.StatusReason,
		Watermark:    account.Watermark,
		WatermarkAt:  account.WatermarkAt,
		LastPolledAt: account.LastPolledAt,
		LastError:    account.LastError,
	})
}

// TriggerPoll 立即轮询一个账户
// POST /admin/accounts/:id/poll
func (h *AdminHandler) TriggerPoll(c *gin.Context) {
	id := c.Param("id")

	account, err := h.accounts.GetAccount(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NotFound(c, MsgAccountNotFound)
			return
		}
		RespondError(c, err)
		return
	}
	if !account.IsActive() {
		RespondError(c, domain.ErrAccountInactive)
		return
	}

	if err := h.poller.TriggerPoll(id); err != nil {
		h.log.Warn("poll trigger rejected", zap.String("account_id", id), zap.Error(err))
		RespondError(c, err)
		return
	}

	Accepted(c, MsgPollQueued, gin.H{"accountId": id})
}

// ListAlerts 列出未解决的告警
// GET /admin/alerts
func (h *AdminHandler) ListAlerts(c *gin.Context) {
	Success(c, h.alerts.GetActiveAlerts())
}
