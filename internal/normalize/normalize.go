// Package normalize 把提供商原生邮件转换为与提供商无关的规范化邮件。
//
// 这里的函数都是纯函数：不做 I/O，不修改输入，任何输入都不会导致 panic。
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/provider"
)

var (
	errNoSender    = errors.New("message has no sender")
	errNoTimestamp = errors.New("message has no timestamp")
	errNoID        = errors.New("message has no provider id")
)

// Meta 原文之外由提供商给出的信息
type Meta struct {
	ProviderMessageID string
	ReceivedAt        time.Time
	Outbound          bool
}

// Message 按提供商消息携带的内容选择解析方式
func Message(m provider.Message) (*domain.CanonicalMessage, error) {
	switch {
	case m.Gmail != nil:
		return FromGmail(m.Gmail, m.Outbound)
	case m.Raw != nil:
		return FromRFC5322(m.Raw, Meta{ProviderMessageID: m.ID, ReceivedAt: m.ReceivedAt, Outbound: m.Outbound})
	default:
		return nil, domain.Malformed(fmt.Errorf("message %s has no content", m.ID))
	}
}

// ThreadKey 推导 RFC 5322 邮件的会话 ID：References 的根，其次 In-Reply-To，再次自身 Message-Id，最后提供商 ID
func ThreadKey(references []string, inReplyTo, messageID, providerID string) string {
	for _, ref := range references {
		if ref != "" {
			return ref
		}
	}
	switch {
	case inReplyTo != "":
		return inReplyTo
	case messageID != "":
		return messageID
	default:
		return providerID
	}
}

// guard 把解析过程中的 panic 转换为 ErrMalformedMessage
func guard(id string, err *error) {
	if r := recover(); r != nil {
		*err = domain.Malformed(fmt.Errorf("panic while normalizing %s: %v", id, r))
	}
}

// applyHeader 提取公共头部字段
func applyHeader(out *domain.CanonicalMessage, h mail.Header, fallback time.Time) error {
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	out.Subject = strings.TrimSpace(subject)

	from, err := h.AddressList("From")
	if err != nil || len(from) == 0 || from[0].Address == "" {
		return errNoSender
	}
	out.From = strings.ToLower(from[0].Address)
	out.To = addresses(h, "To")
	out.Cc = addresses(h, "Cc")

	sentAt, err := h.Date()
	if err != nil || sentAt.IsZero() {
		if fallback.IsZero() {
			return errNoTimestamp
		}
		sentAt = fallback
	}
	out.SentAt = sentAt.UTC()

	if id, err := h.MessageID(); err == nil {
		out.MessageIDHeader = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		out.References = ids
	}
	return nil
}

// addresses 尽力解析地址列表，失败时返回空
func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, strings.ToLower(a.Address))
		}
	}
	return out
}

func direction(outbound bool) domain.MessageDirection {
	if outbound {
		return domain.DirectionOutbound
	}
	return domain.DirectionInbound
}
