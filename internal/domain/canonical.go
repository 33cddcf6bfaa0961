package domain

import "time"

// CanonicalMessage 规范化后的邮件，与提供商无关，不直接持久化
type CanonicalMessage struct {
	ProviderMessageID string
	ProviderThreadID  string
	MessageIDHeader   string
	InReplyTo         string
	References        []string
	Direction         MessageDirection
	From              string
	To                []string
	Cc                []string
	Subject           string
	Text              string
	HTML              string
	SentAt            time.Time
	Attachments       []AttachmentManifest
}

// Participants 发件人与全部收件人
func (m *CanonicalMessage) Participants() []string {
	out := make([]string, 0, 1+len(m.To)+len(m.Cc))
	if m.From != "" {
		out = append(out, m.From)
	}
	out = append(out, m.To...)
	return append(out, m.Cc...)
}

// AttachmentManifest 附件清单项
//
// Content 仅在原始报文中内联携带内容时非空（IMAP）；Gmail 通过 Locator 另行下载。
type AttachmentManifest struct {
	Filename    string
	ContentType string
	Size        int64
	Locator     string
	ContentKey  string
	Content     []byte
}

// NewMessageEvent 新邮件写入后发布的事件
type NewMessageEvent struct {
	BoardID           string    `json:"boardId"`
	CardID            string    `json:"cardId"`
	MessageID         string    `json:"messageId"`
	ProviderMessageID string    `json:"providerMessageId"`
	Subject           string    `json:"subject"`
	From              string    `json:"from"`
	CardCreated       bool      `json:"cardCreated"`
	Revived           bool      `json:"revived"`
	At                time.Time `json:"at"`
}
