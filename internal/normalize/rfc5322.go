package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"boardmail/backend/internal/domain"
)

// FromRFC5322 解析 IMAP 下载的 RFC 5322 原文
func FromRFC5322(raw []byte, meta Meta) (out *domain.CanonicalMessage, err error) {
	defer guard(meta.ProviderMessageID, &err)

	if meta.ProviderMessageID == "" {
		return nil, domain.Malformed(errNoID)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, domain.Malformed(fmt.Errorf("reading message %s: %w", meta.ProviderMessageID, err))
	}
	defer mr.Close()

	out = &domain.CanonicalMessage{
		ProviderMessageID: meta.ProviderMessageID,
		Direction:         direction(meta.Outbound),
	}
	if err := applyHeader(out, mr.Header, meta.ReceivedAt); err != nil {
		return nil, domain.Malformed(fmt.Errorf("message %s: %w", meta.ProviderMessageID, err))
	}
	out.ProviderThreadID = ThreadKey(out.References, out.InReplyTo, out.MessageIDHeader, out.ProviderMessageID)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			// 正文尽力而为，头部已经足够写入
			break
		}
		readPart(out, part)
	}
	return out, nil
}

func readPart(out *domain.CanonicalMessage, part *mail.Part) {
	switch h := part.Header.(type) {
	case *mail.InlineHeader:
		mediaType, params, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if out.HTML == "" {
				out.HTML = string(body)
			}
		case mediaType == "" || strings.HasPrefix(mediaType, "text/"):
			if out.Text == "" {
				out.Text = string(body)
			}
		default:
			// 带文件名的内联资源（如图片）同样计入附件
			name := params["name"]
			if _, dispParams, err := h.ContentDisposition(); err == nil && dispParams["filename"] != "" {
				name = dispParams["filename"]
			}
			if name != "" {
				out.Attachments = append(out.Attachments, manifest(name, mediaType, body))
			}
		}
	case *mail.AttachmentHeader:
		mediaType, _, _ := h.ContentType()
		name, err := h.Filename()
		if err != nil || name == "" {
			name = "unnamed"
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return
		}
		out.Attachments = append(out.Attachments, manifest(name, mediaType, body))
	}
}

func manifest(name, mediaType string, content []byte) domain.AttachmentManifest {
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return domain.AttachmentManifest{
		Filename:    name,
		ContentType: mediaType,
		Size:        int64(len(content)),
		Content:     content,
	}
}
