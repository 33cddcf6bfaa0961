package domain

import "time"

// MessageDirection 邮件方向
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// EmailMessage 持久化的邮件，写入后不可变。
//
// (AccountID, ProviderMessageID) 唯一，是幂等写入的依据。
// IMAP 的 uidvalidity:uid 与 Gmail 的邮件 ID 都只在单个邮箱内有意义。
type EmailMessage struct {
	ID                string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CardID            string           `json:"cardId" gorm:"type:varchar(36);index;not null"`
	AccountID         string           `json:"accountId" gorm:"type:varchar(36);uniqueIndex:idx_account_provider_message;not null"`
	ProviderMessageID string           `json:"providerMessageId" gorm:"type:varchar(255);uniqueIndex:idx_account_provider_message;not null"`
	ProviderThreadID  string           `json:"providerThreadId" gorm:"type:varchar(255);index"`
	MessageIDHeader   string           `json:"messageIdHeader,omitempty" gorm:"type:varchar(500);index"`
	InReplyTo         string           `json:"inReplyTo,omitempty" gorm:"type:varchar(500)"`
	References        StringList       `json:"references,omitempty" gorm:"type:text"`
	Direction         MessageDirection `json:"direction" gorm:"type:varchar(10);not null;default:'inbound'"`
	From              string           `json:"from" gorm:"type:varchar(255)"`
	To                StringList       `json:"to" gorm:"type:text"`
	Cc                StringList       `json:"cc,omitempty" gorm:"type:text"`
	Subject           string           `json:"subject" gorm:"type:varchar(500)"`
	Text              string           `json:"text,omitempty" gorm:"type:text"`
	HTML              string           `json:"html,omitempty" gorm:"type:text"`
	SentAt            time.Time        `json:"sentAt" gorm:"index"`
	CreatedAt         time.Time        `json:"createdAt"`
	Attachments       []Attachment     `json:"attachments,omitempty" gorm:"foreignKey:MessageID"`
}

// HasAttachments 附件清单非空
func (m *EmailMessage) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// RepliesTo 本邮件是否通过 In-Reply-To 或 References 指向给定的 Message-Id
func (m *EmailMessage) RepliesTo(messageID string) bool {
	if messageID == "" {
		return false
	}
	return m.InReplyTo == messageID || m.References.Contains(messageID)
}
