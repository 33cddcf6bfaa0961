package domain

import "time"

// ProviderKind 邮箱提供商类型
type ProviderKind string

const (
	ProviderGmail ProviderKind = "gmail"
	ProviderIMAP  ProviderKind = "imap"
)

// AccountStatus 邮箱账户状态
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive" // 需要用户重新授权
)

// MailboxAccount 表示一个已连接到看板的外部邮箱账户。
//
// 令牌字段只保存加密后的密文，明文只在 credential.Vault 内部短暂存在。
type MailboxAccount struct {
	ID                    string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerUserID           string        `json:"ownerUserId" gorm:"type:varchar(36);index;not null"`
	BoardID               string        `json:"boardId" gorm:"type:varchar(36);index;not null"`
	DefaultColumnID       string        `json:"defaultColumnId" gorm:"type:varchar(36)"`
	Provider              ProviderKind  `json:"provider" gorm:"type:varchar(20);not null;uniqueIndex:idx_provider_account"`
	ProviderAccountID     string        `json:"providerAccountId" gorm:"type:varchar(255);not null;uniqueIndex:idx_provider_account"`
	IMAPHost              string        `json:"imapHost,omitempty" gorm:"type:varchar(255)"`
	IMAPPort              int           `json:"imapPort,omitempty"`
	EncryptedAccessToken  string        `json:"-" gorm:"type:text"`
	EncryptedRefreshToken string        `json:"-" gorm:"type:text"`
	AccessTokenExpiresAt  time.Time     `json:"accessTokenExpiresAt"`
	Status                AccountStatus `json:"status" gorm:"type:varchar(20);index;not null;default:'active'"`
	StatusReason          string        `json:"statusReason,omitempty" gorm:"type:varchar(255)"`
	Watermark             string        `json:"watermark,omitempty" gorm:"type:varchar(255)"` // 提供商游标，只在批次持久化后前移
	WatermarkAt           *time.Time    `json:"watermarkAt,omitempty"`
	LastPolledAt          *time.Time    `json:"lastPolledAt,omitempty"`
	LastError             string        `json:"lastError,omitempty" gorm:"type:text"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// IsActive 账户是否参与轮询
func (a *MailboxAccount) IsActive() bool {
	return a.Status == AccountStatusActive
}

// NeedsReconnect 账户是否需要用户重新连接（凭证已失效）
func (a *MailboxAccount) NeedsReconnect() bool {
	return a.Status == AccountStatusInactive
}

// Token OAuth 令牌的明文形式，只在内存中传递
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Credential 一次提供商调用可用的访问凭证
type Credential struct {
	Username    string
	AccessToken string
	ExpiresAt   time.Time
}
