package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/logger"
	"boardmail/backend/internal/storage"
)

// Sealer 把明文令牌加密写入账户
type Sealer interface {
	Seal(account *domain.MailboxAccount, token domain.Token) error
	Store(ctx context.Context, account *domain.MailboxAccount, token domain.Token) error
}

// AccountService 管理邮箱账户的连接与停用。
type AccountService struct {
	store storage.Store
	vault Sealer
	log   *zap.Logger
}

// NewAccountService 创建账户服务
func NewAccountService(store storage.Store, vault Sealer, log *zap.Logger) *AccountService {
	return &AccountService{store: store, vault: vault, log: log}
}

// ConnectInput 连接邮箱账户所需的输入
type ConnectInput struct {
	OwnerUserID     string
	BoardID         string
	DefaultColumnID string
	Provider        domain.ProviderKind
	Address         string
	IMAPHost        string
	IMAPPort        int
	Token           domain.Token
}

// Connect 校验并注册邮箱账户，令牌加密后保存
func (s *AccountService) Connect(ctx context.Context, input ConnectInput) (*domain.MailboxAccount, error) {
	if _, err := s.store.GetBoard(ctx, input.BoardID); err != nil {
		return nil, fmt.Errorf("board %s: %w", input.BoardID, err)
	}

	account := &domain.MailboxAccount{
		ID:                uuid.NewString(),
		OwnerUserID:       input.OwnerUserID,
		BoardID:           input.BoardID,
		DefaultColumnID:   input.DefaultColumnID,
		Provider:          input.Provider,
		ProviderAccountID: input.Address,
		IMAPHost:          input.IMAPHost,
		IMAPPort:          input.IMAPPort,
		Status:            domain.AccountStatusActive,
	}
	if err := domain.ValidateAccount(account); err != nil {
		return nil, err
	}
	if account.DefaultColumnID == "" {
		columns, err := s.store.ListColumns(ctx, account.BoardID)
		if err != nil {
			return nil, err
		}
		account.DefaultColumnID = pickDefaultColumn(columns)
	}
	if input.Token.RefreshToken == "" {
		return nil, domain.CredentialInvalid(errors.New("refresh token is required"))
	}
	if err := s.vault.Seal(account, input.Token); err != nil {
		return nil, err
	}
	if err := s.store.SaveAccount(ctx, account); err != nil {
		return nil, err
	}

	s.log.Info("mailbox account connected",
		logger.AccountID(account.ID),
		logger.BoardID(account.BoardID),
		zap.String("provider", string(account.Provider)),
	)
	return account, nil
}

// Deactivate 停用账户，停用后轮询器不再处理
func (s *AccountService) Deactivate(ctx context.Context, accountID, reason string) error {
	if err := s.store.SetAccountStatus(ctx, accountID, domain.AccountStatusInactive, reason); err != nil {
		return err
	}
	s.log.Info("mailbox account deactivated", logger.AccountID(accountID), zap.String("reason", reason))
	return nil
}

// Reconnect 用户重新授权后保存新令牌并恢复账户
func (s *AccountService) Reconnect(ctx context.Context, accountID string, token domain.Token) (*domain.MailboxAccount, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		return nil, domain.CredentialInvalid(errors.New("refresh token is required"))
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = time.Now()
	}
	if err := s.vault.Store(ctx, account, token); err != nil {
		return nil, err
	}
	if err := s.store.SetAccountStatus(ctx, accountID, domain.AccountStatusActive, ""); err != nil {
		return nil, err
	}
	account.Status = domain.AccountStatusActive
	account.StatusReason = ""

	s.log.Info("mailbox account reconnected", logger.AccountID(accountID))
	return account, nil
}
