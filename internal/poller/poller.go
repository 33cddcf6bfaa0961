// Package poller 周期性地从已连接的邮箱拉取新邮件并写入看板。
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/logger"
	"boardmail/backend/internal/normalize"
	"boardmail/backend/internal/pool"
	"boardmail/backend/internal/provider"
	"boardmail/backend/internal/service"
	"boardmail/backend/internal/storage"
)

// ErrTriggerBusy 手动轮询请求队列已满
var ErrTriggerBusy = errors.New("poll trigger queue is full")

// Store 轮询器所需的存储能力
type Store interface {
	ListActiveAccounts(ctx context.Context) ([]domain.MailboxAccount, error)
	GetAccount(ctx context.Context, id string) (*domain.MailboxAccount, error)
	AdvanceWatermark(ctx context.Context, id, watermark string, observedAt time.Time) error
	RecordPollResult(ctx context.Context, id string, polledAt time.Time, pollErr string) error
}

// CredentialSource 每次调用提供商前获取有效凭证
type CredentialSource interface {
	GetValidCredential(ctx context.Context, account *domain.MailboxAccount) (*domain.Credential, error)
}

// Providers 按类型返回提供商客户端
type Providers interface {
	Client(kind domain.ProviderKind) (provider.Client, error)
}

// Ingester 写入规范化邮件
type Ingester interface {
	Ingest(ctx context.Context, account *domain.MailboxAccount, msg *domain.CanonicalMessage) (*service.IngestResult, error)
}

// Telemetry 轮询结果上报
type Telemetry interface {
	PollCompleted(accountID string, result *Result, elapsed time.Duration)
	PollFailed(accountID string, kind domain.ErrorKind)
}

type nopTelemetry struct{}

func (nopTelemetry) PollCompleted(string, *Result, time.Duration) {}
func (nopTelemetry) PollFailed(string, domain.ErrorKind)          {}

// Options 轮询参数
type Options struct {
	Interval        time.Duration
	Workers         int
	AccountTimeout  time.Duration
	ProviderTimeout time.Duration
	WriteTimeout    time.Duration
	LeaseTTL        time.Duration
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.AccountTimeout <= 0 {
		o.AccountTimeout = 2 * time.Minute
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = o.AccountTimeout + time.Minute
	}
}

// Result 单个账户一次轮询的结果
type Result struct {
	Fetched   int
	Ingested  int
	Skipped   int // 已存在的邮件
	Malformed int
	Watermark string
	Locked    bool // 其他实例正在轮询该账户
}

// Poller 邮箱轮询器
type Poller struct {
	store     Store
	vault     CredentialSource
	providers Providers
	writer    Ingester
	objects   storage.ObjectStore
	lease     Lease
	telemetry Telemetry
	opts      Options
	log       *zap.Logger

	pool    *pool.WorkerPool
	trigger chan string
	now     func() time.Time
}

// Dependencies 轮询器依赖
type Dependencies struct {
	Store     Store
	Vault     CredentialSource
	Providers Providers
	Writer    Ingester
	Objects   storage.ObjectStore // 为空时只记录附件元数据
	Lease     Lease               // 为空时使用进程内租约
	Telemetry Telemetry
	Logger    *zap.Logger
}

// New 创建轮询器
func New(deps Dependencies, opts Options) *Poller {
	opts.withDefaults()
	if deps.Lease == nil {
		deps.Lease = NewLocalLease()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = nopTelemetry{}
	}
	return &Poller{
		store:     deps.Store,
		vault:     deps.Vault,
		providers: deps.Providers,
		writer:    deps.Writer,
		objects:   deps.Objects,
		lease:     deps.Lease,
		telemetry: deps.Telemetry,
		opts:      opts,
		log:       deps.Logger,
		pool:      pool.NewWorkerPool(opts.Workers, opts.Workers, deps.Logger),
		trigger:   make(chan string, 64),
		now:       time.Now,
	}
}

// Run 按固定间隔轮询直到 ctx 结束，关闭信号在周期之间与账户之间生效
func (p *Poller) Run(ctx context.Context) error {
	p.pool.Start(ctx)
	defer p.pool.Stop()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.log.Info("mailbox poller started",
		zap.Duration("interval", p.opts.Interval),
		zap.Int("workers", p.opts.Workers),
	)

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("mailbox poller stopped")
			return nil
		case <-ticker.C:
			p.cycle(ctx)
		case id := <-p.trigger:
			p.pollTriggered(ctx, id)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
		p.log.Error("poll cycle failed", zap.Error(err), logger.ErrorKind(err))
	}
}

// PollOnce 轮询一次全部活跃账户，账户之间互不影响
func (p *Poller) PollOnce(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, p.opts.WriteTimeout)
	accounts, err := p.store.ListActiveAccounts(lctx)
	cancel()
	if err != nil {
		return domain.Transient(fmt.Errorf("listing active accounts: %w", err))
	}

	tasks := make([]func(), 0, len(accounts))
	for i := range accounts {
		account := &accounts[i]
		tasks = append(tasks, func() {
			if ctx.Err() != nil {
				return
			}
			_, _ = p.PollAccount(ctx, account)
		})
	}
	if err := p.pool.RunAll(ctx, tasks); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// TriggerPoll 请求立即轮询指定账户，不等待结果
func (p *Poller) TriggerPoll(accountID string) error {
	select {
	case p.trigger <- accountID:
		return nil
	default:
		return ErrTriggerBusy
	}
}

func (p *Poller) pollTriggered(ctx context.Context, id string) {
	account, err := p.store.GetAccount(ctx, id)
	if err != nil {
		p.log.Warn("triggered poll for unknown account", logger.AccountID(id), zap.Error(err))
		return
	}
	if !account.IsActive() {
		p.log.Info("triggered poll skipped, account requires reconnect", logger.AccountID(id))
		return
	}
	if !p.pool.TrySubmit(func() { _, _ = p.PollAccount(ctx, account) }) {
		p.log.Warn("triggered poll dropped, workers busy", logger.AccountID(id))
	}
}

// PollAccount 轮询单个账户
//
// 水位线只前移到已经持久化的连续前缀；失败时上报错误类别并保留水位线。
func (p *Poller) PollAccount(ctx context.Context, account *domain.MailboxAccount) (*Result, error) {
	started := p.now()
	release, ok, err := p.lease.Acquire(ctx, "account:"+account.ID, p.opts.LeaseTTL)
	if err != nil {
		err = domain.Transient(fmt.Errorf("acquiring poll lease: %w", err))
		p.fail(account, err)
		return nil, err
	}
	if !ok {
		p.log.Debug("account is being polled elsewhere", logger.AccountID(account.ID))
		return &Result{Locked: true}, nil
	}
	defer release()

	actx, cancel := context.WithTimeout(ctx, p.opts.AccountTimeout)
	defer cancel()

	result, pollErr := p.poll(actx, account)
	p.record(account, pollErr)
	if pollErr != nil {
		p.fail(account, pollErr)
		return result, pollErr
	}

	p.telemetry.PollCompleted(account.ID, result, p.now().Sub(started))
	if result.Fetched > 0 {
		p.log.Info("account polled",
			logger.AccountID(account.ID),
			zap.Int("fetched", result.Fetched),
			zap.Int("ingested", result.Ingested),
			zap.Int("skipped", result.Skipped),
			zap.Int("malformed", result.Malformed),
			zap.String("watermark", result.Watermark),
		)
	}
	return result, nil
}

func (p *Poller) poll(ctx context.Context, account *domain.MailboxAccount) (*Result, error) {
	result := &Result{Watermark: account.Watermark}

	cred, err := p.vault.GetValidCredential(ctx, account)
	if err != nil {
		return result, err
	}
	client, err := p.providers.Client(account.Provider)
	if err != nil {
		return result, err
	}

	pctx, cancel := context.WithTimeout(ctx, p.opts.ProviderTimeout)
	batch, err := client.ListMessages(pctx, account, *cred, account.Watermark)
	cancel()
	if errors.Is(err, provider.ErrCursorExpired) {
		// 游标失效时清空水位线，下个周期重新回溯，重复邮件由幂等写入跳过
		p.log.Warn("provider cursor expired, resetting watermark", logger.AccountID(account.ID), zap.Error(err))
		if werr := p.advance(account, "", result); werr != nil {
			return result, werr
		}
		return result, domain.Transient(err)
	}
	if err != nil {
		return result, err
	}

	result.Fetched = len(batch.Messages)
	committed := ""
	for _, msg := range batch.Messages {
		// 关闭信号在邮件之间生效，不会在取消后开启新的写事务
		if err := ctx.Err(); err != nil {
			return result, p.advanceTo(account, committed, result, domain.Transient(err))
		}
		if err := p.handle(ctx, client, account, *cred, msg, result); err != nil {
			return result, p.advanceTo(account, committed, result, err)
		}
		if msg.Cursor != "" {
			committed = msg.Cursor
		}
	}

	target := batch.Cursor
	if target == "" {
		target = committed
	}
	return result, p.advanceTo(account, target, result, nil)
}

// handle 规范化、补全附件并写入一封邮件；格式错误的邮件记录后跳过，视为已处理
func (p *Poller) handle(ctx context.Context, client provider.Client, account *domain.MailboxAccount, cred domain.Credential, msg provider.Message, result *Result) error {
	canonical, err := normalize.Message(msg)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedMessage) {
			result.Malformed++
			p.telemetry.PollFailed(account.ID, domain.KindMalformedMessage)
			p.log.Warn("skipping malformed message",
				logger.AccountID(account.ID),
				logger.ProviderMessageID(msg.ID),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	if err := p.hydrate(ctx, client, account, cred, canonical); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.WriteTimeout)
	defer cancel()
	res, err := p.writer.Ingest(wctx, account, canonical)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedMessage) {
			result.Malformed++
			p.log.Warn("skipping message without thread identity",
				logger.AccountID(account.ID),
				logger.ProviderMessageID(msg.ID),
				zap.Error(err),
			)
			return nil
		}
		return err
	}
	if res.Skipped {
		result.Skipped++
	} else {
		result.Ingested++
	}
	return nil
}

// hydrate 把附件内容写入对象存储，只保留内容键
func (p *Poller) hydrate(ctx context.Context, client provider.Client, account *domain.MailboxAccount, cred domain.Credential, msg *domain.CanonicalMessage) error {
	if p.objects == nil {
		for i := range msg.Attachments {
			msg.Attachments[i].Content = nil
		}
		return nil
	}
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		content := att.Content
		if content == nil && att.Locator != "" {
			fctx, cancel := context.WithTimeout(ctx, p.opts.ProviderTimeout)
			data, err := client.FetchAttachment(fctx, account, cred, msg.ProviderMessageID, att.Locator)
			cancel()
			if errors.Is(err, provider.ErrUnsupported) {
				continue
			}
			if err != nil {
				return err
			}
			content = data
		}
		if content == nil {
			continue
		}
		key, err := p.objects.Put(ctx, content)
		if err != nil {
			return domain.Transient(fmt.Errorf("storing attachment %s: %w", att.Filename, err))
		}
		att.ContentKey = key
		att.Size = int64(len(content))
		att.Content = nil
	}
	return nil
}

// advanceTo 前移水位线后返回 cause；cause 为空时返回前移本身的错误
func (p *Poller) advanceTo(account *domain.MailboxAccount, cursor string, result *Result, cause error) error {
	if cursor == "" || cursor == account.Watermark {
		return cause
	}
	if err := p.advance(account, cursor, result); err != nil && cause == nil {
		return err
	}
	return cause
}

func (p *Poller) advance(account *domain.MailboxAccount, cursor string, result *Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.WriteTimeout)
	defer cancel()
	if err := p.store.AdvanceWatermark(ctx, account.ID, cursor, p.now().UTC()); err != nil {
		return domain.Transient(fmt.Errorf("advancing watermark: %w", err))
	}
	account.Watermark = cursor
	result.Watermark = cursor
	return nil
}

func (p *Poller) record(account *domain.MailboxAccount, pollErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.WriteTimeout)
	defer cancel()
	msg := ""
	if pollErr != nil {
		msg = pollErr.Error()
	}
	if err := p.store.RecordPollResult(ctx, account.ID, p.now().UTC(), msg); err != nil {
		p.log.Warn("failed to record poll result", logger.AccountID(account.ID), zap.Error(err))
	}
}

func (p *Poller) fail(account *domain.MailboxAccount, err error) {
	kind := domain.KindOf(err)
	p.telemetry.PollFailed(account.ID, kind)
	p.log.Warn("account poll failed",
		logger.AccountID(account.ID),
		logger.ErrorKind(err),
		zap.Error(err),
	)
}
