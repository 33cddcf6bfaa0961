package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/logger"
)

// Refresher 向提供商用刷新令牌换取新的访问令牌
//
// 刷新令牌被拒绝（invalid_grant）时返回的错误必须满足 errors.Is(err, domain.ErrCredentialInvalid)。
type Refresher interface {
	RefreshToken(ctx context.Context, account *domain.MailboxAccount, refreshToken string) (*domain.Token, error)
}

// Store 保险库需要的持久化操作
type Store interface {
	UpdateAccountCredentials(ctx context.Context, id, encAccess, encRefresh string, expiresAt time.Time) error
	SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus, reason string) error
}

// Observer 刷新结果回调，用于指标
type Observer interface {
	TokenRefreshed(result string)
	AccountDeactivated()
}

type nopObserver struct{}

func (nopObserver) TokenRefreshed(string) {}
func (nopObserver) AccountDeactivated()   {}

// Options 保险库参数
type Options struct {
	RefreshSkew    time.Duration
	RefreshTimeout time.Duration
}

// Vault 凭证保险库
type Vault struct {
	cipher    *Cipher
	store     Store
	refresher Refresher
	observer  Observer
	opts      Options
	log       *zap.Logger
	now       func() time.Time
}

// NewVault 创建保险库
func NewVault(c *Cipher, store Store, refresher Refresher, opts Options, log *zap.Logger) *Vault {
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = 2 * time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	return &Vault{
		cipher:    c,
		store:     store,
		refresher: refresher,
		observer:  nopObserver{},
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// SetObserver 设置刷新结果回调
func (v *Vault) SetObserver(o Observer) {
	if o != nil {
		v.observer = o
	}
}

// GetValidCredential 返回未过期的访问凭证，必要时先刷新
//
// 返回值:
//   - domain.ErrCredentialInvalid: 账户已停用或刷新令牌被拒绝（账户随之停用）
//   - domain.ErrCredentialCorrupt: 存储的密文无法解密，账户状态不变
//   - domain.ErrTransient: 刷新暂时失败，账户状态不变
func (v *Vault) GetValidCredential(ctx context.Context, account *domain.MailboxAccount) (*domain.Credential, error) {
	if !account.IsActive() {
		return nil, fmt.Errorf("account %s: %w", account.ID, domain.ErrAccountInactive)
	}

	access, err := v.cipher.Decrypt(account.EncryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("account %s access token: %w", account.ID, err)
	}
	if access != "" && v.now().Before(account.AccessTokenExpiresAt.Add(-v.opts.RefreshSkew)) {
		return &domain.Credential{
			Username:    account.ProviderAccountID,
			AccessToken: access,
			ExpiresAt:   account.AccessTokenExpiresAt,
		}, nil
	}

	return v.refresh(ctx, account)
}

func (v *Vault) refresh(ctx context.Context, account *domain.MailboxAccount) (*domain.Credential, error) {
	refreshToken, err := v.cipher.Decrypt(account.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("account %s refresh token: %w", account.ID, err)
	}
	if refreshToken == "" {
		return nil, v.deactivate(ctx, account, "missing refresh token",
			domain.CredentialInvalid(errors.New("no refresh token stored")))
	}

	rctx, cancel := context.WithTimeout(ctx, v.opts.RefreshTimeout)
	defer cancel()

	token, err := v.refresher.RefreshToken(rctx, account, refreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialInvalid) {
			v.observer.TokenRefreshed("invalid")
			return nil, v.deactivate(ctx, account, "refresh token rejected", err)
		}
		v.observer.TokenRefreshed("error")
		return nil, fmt.Errorf("account %s refresh: %w", account.ID, domain.Transient(err))
	}

	// 未返回新刷新令牌时沿用旧令牌
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	if err := v.Store(ctx, account, *token); err != nil {
		v.observer.TokenRefreshed("error")
		return nil, fmt.Errorf("account %s persist refreshed token: %w", account.ID, domain.Transient(err))
	}
	v.observer.TokenRefreshed("ok")
	v.log.Debug("access token refreshed",
		logger.AccountID(account.ID),
		zap.Time("expires_at", token.ExpiresAt),
	)

	return &domain.Credential{
		Username:    account.ProviderAccountID,
		AccessToken: token.AccessToken,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

// Store 加密并持久化令牌，同时更新传入的账户结构体
func (v *Vault) Store(ctx context.Context, account *domain.MailboxAccount, token domain.Token) error {
	if err := v.Seal(account, token); err != nil {
		return err
	}
	return v.store.UpdateAccountCredentials(ctx, account.ID,
		account.EncryptedAccessToken, account.EncryptedRefreshToken, account.AccessTokenExpiresAt)
}

// Seal 只加密令牌写入账户结构体，不做持久化（用于新建账户）
func (v *Vault) Seal(account *domain.MailboxAccount, token domain.Token) error {
	encAccess, err := v.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return err
	}
	encRefresh, err := v.cipher.Encrypt(token.RefreshToken)
	if err != nil {
		return err
	}
	account.EncryptedAccessToken = encAccess
	account.EncryptedRefreshToken = encRefresh
	account.AccessTokenExpiresAt = token.ExpiresAt.UTC()
	return nil
}

func (v *Vault) deactivate(ctx context.Context, account *domain.MailboxAccount, reason string, cause error) error {
	if err := v.store.SetAccountStatus(ctx, account.ID, domain.AccountStatusInactive, reason); err != nil {
		v.log.Error("failed to deactivate account",
			logger.AccountID(account.ID),
			zap.Error(err),
		)
		return fmt.Errorf("account %s: %w", account.ID, domain.Transient(err))
	}
	account.Status = domain.AccountStatusInactive
	account.StatusReason = reason
	v.observer.AccountDeactivated()
	v.log.Warn("mailbox account deactivated, reconnect required",
		logger.AccountID(account.ID),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	return fmt.Errorf("account %s: %w", account.ID, domain.CredentialInvalid(cause))
}
