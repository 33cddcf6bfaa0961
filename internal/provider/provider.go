// Package provider 定义邮箱提供商的统一契约以及 Gmail、IMAP 两种实现的公共部分。
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/gmail/v1"

	"boardmail/backend/internal/domain"
)

var (
	// ErrCursorExpired 提供商不再接受旧游标，需要重新初始化水位线
	ErrCursorExpired = errors.New("provider cursor expired")
	// ErrUnsupported 提供商不支持该操作
	ErrUnsupported = errors.New("operation not supported by provider")
)

// Message 提供商原生邮件，Gmail 与 RFC 5322 原文二选一
type Message struct {
	ID         string // 提供商邮件 ID
	Cursor     string // 处理完本封后可前移到的游标，空表示不能单独前移
	ReceivedAt time.Time
	Outbound   bool

	Gmail *gmail.Message
	Raw   []byte
}

// Batch 一次拉取的结果，Messages 按提供商顺序从旧到新
type Batch struct {
	Messages []Message
	Cursor   string // 整批成功后的游标
}

// Client 邮箱提供商客户端
type Client interface {
	// ListMessages 返回 since 游标之后的新邮件；since 为空时执行初始化回溯
	ListMessages(ctx context.Context, account *domain.MailboxAccount, cred domain.Credential, since string) (*Batch, error)
	// FetchAttachment 下载附件内容
	FetchAttachment(ctx context.Context, account *domain.MailboxAccount, cred domain.Credential, messageID, locator string) ([]byte, error)
}

// TokenRefresher 提供商的令牌刷新能力
type TokenRefresher interface {
	RefreshToken(ctx context.Context, account *domain.MailboxAccount, refreshToken string) (*domain.Token, error)
}

// Registry 按提供商类型分发客户端与令牌刷新
type Registry struct {
	mu         sync.RWMutex
	clients    map[domain.ProviderKind]Client
	refreshers map[domain.ProviderKind]TokenRefresher
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		clients:    make(map[domain.ProviderKind]Client),
		refreshers: make(map[domain.ProviderKind]TokenRefresher),
	}
}

// Register 注册提供商客户端；客户端同时实现 TokenRefresher 时一并注册
func (r *Registry) Register(kind domain.ProviderKind, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[kind] = client
	if refresher, ok := client.(TokenRefresher); ok {
		r.refreshers[kind] = refresher
	}
}

// RegisterRefresher 为提供商指定令牌刷新实现
//
// IMAP 账户使用 OAuth 时由签发令牌的一方（如 Google）刷新。
func (r *Registry) RegisterRefresher(kind domain.ProviderKind, refresher TokenRefresher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshers[kind] = refresher
}

// Client 返回提供商客户端
func (r *Registry) Client(kind domain.ProviderKind) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no client for provider %q", domain.ErrFatal, kind)
	}
	return c, nil
}

// RefreshToken 实现 credential.Refresher
func (r *Registry) RefreshToken(ctx context.Context, account *domain.MailboxAccount, refreshToken string) (*domain.Token, error) {
	r.mu.RLock()
	refresher, ok := r.refreshers[account.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider %q cannot refresh tokens", domain.ErrFatal, account.Provider)
	}
	return refresher.RefreshToken(ctx, account, refreshToken)
}
