package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"boardmail/backend/internal/domain"
	gmailprovider "boardmail/backend/internal/provider/gmail"
)

// FromGmail 解析 Gmail API 返回的 full 格式邮件
func FromGmail(msg *gmail.Message, outbound bool) (out *domain.CanonicalMessage, err error) {
	if msg == nil {
		return nil, domain.Malformed(fmt.Errorf("nil gmail message"))
	}
	defer guard(msg.Id, &err)

	if msg.Id == "" {
		return nil, domain.Malformed(errNoID)
	}
	if msg.Payload == nil {
		return nil, domain.Malformed(fmt.Errorf("gmail message %s has no payload", msg.Id))
	}

	var received time.Time
	if msg.InternalDate > 0 {
		received = time.UnixMilli(msg.InternalDate)
	}

	out = &domain.CanonicalMessage{
		ProviderMessageID: msg.Id,
		Direction:         direction(outbound),
	}
	if err := applyHeader(out, headerOf(msg.Payload), received); err != nil {
		return nil, domain.Malformed(fmt.Errorf("gmail message %s: %w", msg.Id, err))
	}
	out.ProviderThreadID = msg.ThreadId
	if out.ProviderThreadID == "" {
		out.ProviderThreadID = ThreadKey(out.References, out.InReplyTo, out.MessageIDHeader, msg.Id)
	}

	walkGmailPart(out, msg.Payload)
	return out, nil
}

func headerOf(part *gmail.MessagePart) mail.Header {
	var h mail.Header
	for _, kv := range part.Headers {
		if kv != nil {
			h.Add(kv.Name, kv.Value)
		}
	}
	return h
}

func walkGmailPart(out *domain.CanonicalMessage, part *gmail.MessagePart) {
	if part == nil {
		return
	}
	if strings.HasPrefix(part.MimeType, "multipart/") {
		for _, child := range part.Parts {
			walkGmailPart(out, child)
		}
		return
	}

	body := part.Body
	if part.Filename != "" || (body != nil && body.AttachmentId != "") {
		item := domain.AttachmentManifest{
			Filename:    part.Filename,
			ContentType: part.MimeType,
		}
		if item.Filename == "" {
			item.Filename = "unnamed"
		}
		if body != nil {
			item.Size = body.Size
			item.Locator = body.AttachmentId
			if body.AttachmentId == "" && body.Data != "" {
				if data, err := gmailprovider.DecodeData(body.Data); err == nil {
					item.Content = data
					item.Size = int64(len(data))
				}
			}
		}
		out.Attachments = append(out.Attachments, item)
		return
	}

	if body == nil || body.Data == "" {
		return
	}
	data, err := gmailprovider.DecodeData(body.Data)
	if err != nil {
		return
	}
	h := headerOf(part)
	_, params, _ := h.ContentType()
	text := decodeText(data, params["charset"])

	switch {
	case strings.HasPrefix(part.MimeType, "text/html"):
		if out.HTML == "" {
			out.HTML = text
		}
	case strings.HasPrefix(part.MimeType, "text/"):
		if out.Text == "" {
			out.Text = text
		}
	}
}
