// Package imap 实现基于 IMAP（XOAUTH 风格 OAUTHBEARER 认证）的邮箱提供商。
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/logger"
	"boardmail/backend/internal/provider"
)

// Config IMAP 客户端配置
type Config struct {
	Mailbox         string // 默认 INBOX
	BatchSize       int
	BootstrapWindow time.Duration
	DialTimeout     time.Duration
	Guard           provider.GuardOptions
}

// Client IMAP 提供商客户端
type Client struct {
	cfg    Config
	guards *provider.Guards
	log    *zap.Logger
}

var _ provider.Client = (*Client)(nil)

// New 创建 IMAP 客户端
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BootstrapWindow <= 0 {
		cfg.BootstrapWindow = 7 * 24 * time.Hour
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &Client{cfg: cfg, guards: provider.NewGuards("imap", cfg.Guard, log), log: log}
}

// Cursor IMAP 游标：UIDVALIDITY 与已处理的最大 UID
type Cursor struct {
	UIDValidity uint32
	UID         uint32
}

// String 格式化为 "uidvalidity:uid"
func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.UIDValidity, c.UID)
}

// ParseCursor 解析游标，空串返回零值
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	v, u, ok := strings.Cut(s, ":")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: malformed imap cursor %q", provider.ErrCursorExpired, s)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed imap cursor %q", provider.ErrCursorExpired, s)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed imap cursor %q", provider.ErrCursorExpired, s)
	}
	return Cursor{UIDValidity: uint32(validity), UID: uint32(uid)}, nil
}

// ListMessages 拉取游标之后的新邮件
func (c *Client) ListMessages(ctx context.Context, account *domain.MailboxAccount, cred domain.Credential, since string) (*provider.Batch, error) {
	cursor, err := ParseCursor(since)
	if err != nil {
		return nil, err
	}

	var batch *provider.Batch
	err = c.guards.Do(ctx, account.ID, func() error {
		client, err := c.connect(ctx, account, cred)
		if err != nil {
			return err
		}
		defer func() { _ = client.Logout().Wait() }()

		// IMAP 命令不接受 ctx，取消时直接关闭连接
		stop := context.AfterFunc(ctx, func() { _ = client.Close() })
		defer stop()

		batch, err = c.list(ctx, client, account, cursor)
		if err != nil && ctx.Err() != nil {
			return domain.Transient(ctx.Err())
		}
		return err
	})
	return batch, err
}

func (c *Client) connect(ctx context.Context, account *domain.MailboxAccount, cred domain.Credential) (*imapclient.Client, error) {
	addr := net.JoinHostPort(account.IMAPHost, strconv.Itoa(account.IMAPPort))
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.cfg.DialTimeout},
		Config:    &tls.Config{ServerName: account.IMAPHost, MinVersion: tls.VersionTLS12},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("connecting to IMAP %s: %w", addr, err))
	}

	client := imapclient.New(conn, nil)
	saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: cred.Username,
		Token:    cred.AccessToken,
		Host:     account.IMAPHost,
		Port:     account.IMAPPort,
	})
	if err := client.Authenticate(saslClient); err != nil {
		_ = client.Close()
		// 访问令牌由保险库保证未过期，认证失败按临时错误处理，下个周期重新获取凭证
		return nil, domain.Transient(fmt.Errorf("authentication failed for %s: %w", cred.Username, err))
	}
	return client, nil
}

func (c *Client) list(ctx context.Context, client *imapclient.Client, account *domain.MailboxAccount, cursor Cursor) (*provider.Batch, error) {
	selected, err := client.Select(c.cfg.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("selecting %s: %w", c.cfg.Mailbox, err))
	}

	criteria := &imap.SearchCriteria{}
	if cursor.UIDValidity != 0 && cursor.UIDValidity == selected.UIDValidity {
		var set imap.UIDSet
		set.AddRange(imap.UID(cursor.UID+1), 0)
		criteria.UID = []imap.UIDSet{set}
	} else {
		if cursor.UIDValidity != 0 {
			c.log.Warn("UIDVALIDITY changed, bootstrapping mailbox again",
				logger.AccountID(account.ID),
				zap.Uint32("old", cursor.UIDValidity),
				zap.Uint32("new", selected.UIDValidity),
			)
		}
		criteria.Since = time.Now().Add(-c.cfg.BootstrapWindow)
		cursor = Cursor{UIDValidity: selected.UIDValidity}
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("searching messages: %w", err))
	}
	uids := SelectUIDs(searchData.AllUIDs(), cursor.UID, c.cfg.BatchSize)
	if len(uids) == 0 {
		return &provider.Batch{Cursor: cursor.String()}, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var messages []provider.Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("collecting message data: %w", err))
		}
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			continue
		}
		next := Cursor{UIDValidity: selected.UIDValidity, UID: uint32(buf.UID)}
		messages = append(messages, provider.Message{
			ID:         next.String(),
			Cursor:     next.String(),
			ReceivedAt: buf.InternalDate.UTC(),
			Outbound:   strings.EqualFold(c.cfg.Mailbox, "Sent"),
			Raw:        raw,
		})
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, domain.Transient(fmt.Errorf("fetching messages: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Transient(err)
	}

	sort.Slice(messages, func(i, j int) bool {
		a, _ := ParseCursor(messages[i].Cursor)
		b, _ := ParseCursor(messages[j].Cursor)
		return a.UID < b.UID
	})
	last := Cursor{UIDValidity: selected.UIDValidity, UID: uint32(uids[len(uids)-1])}
	return &provider.Batch{Messages: messages, Cursor: last.String()}, nil
}

// SelectUIDs 过滤出大于 after 的 UID，升序取前 limit 个
//
// 服务器对 "n:*" 总会返回最大的 UID，即便它不大于 n。
func SelectUIDs(uids []imap.UID, after uint32, limit int) []imap.UID {
	out := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		if uint32(uid) > after {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FetchAttachment IMAP 附件随原文一起下载，不支持单独获取
func (c *Client) FetchAttachment(context.Context, *domain.MailboxAccount, domain.Credential, string, string) ([]byte, error) {
	return nil, errors.Join(provider.ErrUnsupported, errors.New("imap attachments are carried inline"))
}
