// Package gmail 实现基于 Gmail API 的邮箱提供商。
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/provider"
)

const (
	user         = "me"
	listPageSize = 500
)

// Config Gmail 客户端配置
type Config struct {
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	BatchSize       int
	BootstrapWindow time.Duration
	Guard           provider.GuardOptions

	// 以下字段用于测试或私有代理
	Endpoint   string
	TokenURL   string
	HTTPClient *http.Client
}

// Client Gmail 提供商客户端
type Client struct {
	oauth  *oauth2.Config
	cfg    Config
	guards *provider.Guards
	log    *zap.Logger
	now    func() time.Time
}

var (
	_ provider.Client         = (*Client)(nil)
	_ provider.TokenRefresher = (*Client)(nil)
)

// New 创建 Gmail 客户端
func New(cfg Config, log *zap.Logger) *Client {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BootstrapWindow <= 0 {
		cfg.BootstrapWindow = 7 * 24 * time.Hour
	}
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{gmailapi.GmailReadonlyScope},
		},
		cfg:    cfg,
		guards: provider.NewGuards("gmail", cfg.Guard, log),
		log:    log,
		now:    time.Now,
	}
}

// AuthCodeURL 返回离线授权地址
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange 用授权码换取令牌
func (c *Client) Exchange(ctx context.Context, code string) (*domain.Token, error) {
	tok, err := c.oauth.Exchange(c.httpContext(ctx), code)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return &domain.Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.Expiry}, nil
}

// RefreshToken 用刷新令牌换取新的访问令牌
func (c *Client) RefreshToken(ctx context.Context, account *domain.MailboxAccount, refreshToken string) (*domain.Token, error) {
	// 过期的令牌迫使 TokenSource 走刷新流程
	src := c.oauth.TokenSource(c.httpContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return &domain.Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.Expiry}, nil
}

func (c *Client) httpContext(ctx context.Context) context.Context {
	if c.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	return ctx
}

func (c *Client) service(ctx context.Context, cred domain.Credential) (*gmailapi.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if c.cfg.HTTPClient != nil {
		base := c.cfg.HTTPClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		opts = []option.ClientOption{option.WithHTTPClient(&http.Client{
			Transport: &oauth2.Transport{Source: ts, Base: base},
		})}
	}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}
	srv, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// ListMessages 拉取游标之后的新邮件
//
// 游标是 Gmail historyId。为空时按时间从旧到新分批回溯 BootstrapWindow 内的邮件，
// 回溯期间游标形如 boot:<historyId>:<after>，全部取完后才切换到回溯开始时的 historyId。
func (c *Client) ListMessages(ctx context.Context, account *domain.MailboxAccount, cred domain.Credential, since string) (*provider.Batch, error) {
	srv, err := c.service(ctx, cred)
	if err != nil {
		return nil, domain.Transient(err)
	}
	if since == "" {
		var profile *gmailapi.Profile
		err := c.guards.Do(ctx, account.ID, func() error {
			var err error
			profile, err = srv.Users.GetProfile(user).Context(ctx).Do()
			return classify(err)
		})
		if err != nil {
			return nil, err
		}
		after := c.now().Add(-c.cfg.BootstrapWindow).Unix()
		return c.bootstrap(ctx, srv, account, bootstrapCursor{historyID: profile.HistoryId, after: after})
	}
	if strings.HasPrefix(since, bootstrapPrefix) {
		cur, err := parseBootstrapCursor(since)
		if err != nil {
			return nil, err
		}
		return c.bootstrap(ctx, srv, account, cur)
	}
	startID, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid history id %q", provider.ErrCursorExpired, since)
	}
	return c.listHistory(ctx, srv, account, startID)
}

const bootstrapPrefix = "boot:"

// bootstrapCursor 回溯进度：回溯开始时的 historyId 与下一批的起始时间（秒）
type bootstrapCursor struct {
	historyID uint64
	after     int64
}

func (b bootstrapCursor) String() string {
	return fmt.Sprintf("%s%d:%d", bootstrapPrefix, b.historyID, b.after)
}

func parseBootstrapCursor(value string) (bootstrapCursor, error) {
	parts := strings.Split(strings.TrimPrefix(value, bootstrapPrefix), ":")
	if len(parts) != 2 {
		return bootstrapCursor{}, fmt.Errorf("%w: invalid bootstrap cursor %q", provider.ErrCursorExpired, value)
	}
	historyID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return bootstrapCursor{}, fmt.Errorf("%w: invalid bootstrap cursor %q", provider.ErrCursorExpired, value)
	}
	after, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return bootstrapCursor{}, fmt.Errorf("%w: invalid bootstrap cursor %q", provider.ErrCursorExpired, value)
	}
	return bootstrapCursor{historyID: historyID, after: after}, nil
}

// bootstrap 取回 cur.after 之后最旧的一批邮件。
//
// messages.list 按时间倒序返回，因此先列出窗口内全部 ID，再取末尾的 BatchSize 封。
func (c *Client) bootstrap(ctx context.Context, srv *gmailapi.Service, account *domain.MailboxAccount, cur bootstrapCursor) (*provider.Batch, error) {
	query := fmt.Sprintf("after:%d -in:drafts", cur.after)

	var ids []string
	pageToken := ""
	for {
		var resp *gmailapi.ListMessagesResponse
		err := c.guards.Do(ctx, account.ID, func() error {
			call := srv.Users.Messages.List(user).Q(query).MaxResults(listPageSize).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return classify(err)
		})
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	remaining := 0
	if len(ids) > c.cfg.BatchSize {
		remaining = len(ids) - c.cfg.BatchSize
		ids = ids[remaining:]
	}

	messages, err := c.fetchAll(ctx, srv, account, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})

	if remaining == 0 {
		return &provider.Batch{
			Messages: messages,
			Cursor:   strconv.FormatUint(cur.historyID, 10),
		}, nil
	}

	next := cur
	if n := len(messages); n > 0 {
		// after: 是严格大于，退一秒让同一秒内未取到的邮件留在下一批，重复的由幂等写入跳过
		newest := messages[n-1].ReceivedAt.Unix()
		next.after = newest - 1
		if next.after <= cur.after {
			next.after = newest
			c.log.Warn("bootstrap batch spans a single second, advancing past it",
				zap.String("account_id", account.ID),
				zap.Int64("second", newest),
			)
		}
	}
	c.log.Info("bootstrap continues in next cycle",
		zap.String("account_id", account.ID),
		zap.Int("fetched", len(messages)),
		zap.Int("remaining", remaining),
	)
	return &provider.Batch{Messages: messages, Cursor: next.String()}, nil
}

// historyEntry 一条 messageAdded 记录
type historyEntry struct {
	messageID string
	cursor    string
}

func (c *Client) listHistory(ctx context.Context, srv *gmailapi.Service, account *domain.MailboxAccount, startID uint64) (*provider.Batch, error) {
	var (
		entries   []historyEntry
		seen      = make(map[string]struct{})
		cursor    string
		pageToken string
		truncated bool
	)

	for !truncated {
		var resp *gmailapi.ListHistoryResponse
		err := c.guards.Do(ctx, account.ID, func() error {
			call := srv.Users.History.List(user).
				StartHistoryId(startID).
				HistoryTypes("messageAdded").
				MaxResults(int64(c.cfg.BatchSize)).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			if isNotFound(err) {
				// startHistoryId 过旧，Gmail 不再保留
				return fmt.Errorf("%w: %v", provider.ErrCursorExpired, err)
			}
			return classify(err)
		})
		if err != nil {
			return nil, err
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				if _, ok := seen[added.Message.Id]; ok {
					continue
				}
				seen[added.Message.Id] = struct{}{}
				entries = append(entries, historyEntry{messageID: added.Message.Id})
			}
			// 游标只能挂在一条历史记录的最后一封邮件上
			recordCursor := strconv.FormatUint(h.Id, 10)
			if n := len(entries); n > 0 && entries[n-1].cursor == "" {
				entries[n-1].cursor = recordCursor
			}
			cursor = recordCursor
			if len(entries) >= c.cfg.BatchSize {
				truncated = true
				break
			}
		}

		if truncated {
			break
		}
		if resp.NextPageToken == "" {
			if resp.HistoryId > 0 {
				cursor = strconv.FormatUint(resp.HistoryId, 10)
			}
			break
		}
		pageToken = resp.NextPageToken
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.messageID
	}
	fetched, err := c.fetchAll(ctx, srv, account, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]provider.Message, len(fetched))
	for _, m := range fetched {
		byID[m.ID] = m
	}
	messages := make([]provider.Message, 0, len(fetched))
	for _, e := range entries {
		m, ok := byID[e.messageID]
		if !ok {
			// 已删除或草稿：游标挂到前一封
			if n := len(messages); n > 0 && e.cursor != "" {
				messages[n-1].Cursor = e.cursor
			}
			continue
		}
		m.Cursor = e.cursor
		messages = append(messages, m)
	}

	if cursor == "" {
		cursor = strconv.FormatUint(startID, 10)
	}
	return &provider.Batch{Messages: messages, Cursor: cursor}, nil
}

// fetchAll 逐封获取完整邮件，已删除的邮件与草稿被跳过
func (c *Client) fetchAll(ctx context.Context, srv *gmailapi.Service, account *domain.MailboxAccount, ids []string) ([]provider.Message, error) {
	out := make([]provider.Message, 0, len(ids))
	for _, id := range ids {
		var msg *gmailapi.Message
		err := c.guards.Do(ctx, account.ID, func() error {
			var err error
			msg, err = srv.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
			if isNotFound(err) {
				return nil
			}
			return classify(err)
		})
		if err != nil {
			return nil, err
		}
		if msg == nil || hasLabel(msg, "DRAFT") {
			continue
		}
		out = append(out, provider.Message{
			ID:         msg.Id,
			ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
			Outbound:   hasLabel(msg, "SENT") && !hasLabel(msg, "INBOX"),
			Gmail:      msg,
		})
	}
	return out, nil
}

// FetchAttachment 下载附件内容
func (c *Client) FetchAttachment(ctx context.Context, account *domain.MailboxAccount, cred domain.Credential, messageID, locator string) ([]byte, error) {
	srv, err := c.service(ctx, cred)
	if err != nil {
		return nil, domain.Transient(err)
	}
	var body *gmailapi.MessagePartBody
	err = c.guards.Do(ctx, account.ID, func() error {
		var err error
		body, err = srv.Users.Messages.Attachments.Get(user, messageID, locator).Context(ctx).Do()
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return DecodeData(body.Data)
}

// DecodeData 解码 Gmail 的 base64url 数据，兼容有无填充两种形式
func DecodeData(data string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}

func hasLabel(msg *gmailapi.Message, label string) bool {
	for _, l := range msg.LabelIds {
		if l == label {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// classify 将 Gmail API 错误归类
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return classifyTokenError(err)
	}
	return domain.Transient(err)
}

// classifyTokenError invalid_grant 表示刷新令牌被撤销或过期，其余均可重试
func classifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
		return domain.CredentialInvalid(err)
	}
	return domain.Transient(err)
}
