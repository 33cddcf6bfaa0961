package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boardmail/backend/internal/cache"
	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/logger"
	"boardmail/backend/internal/storage"
)

// ResolverStore 线程解析所需的存储能力
type ResolverStore interface {
	FindCardByThread(ctx context.Context, boardID, threadID string) (*domain.BoardCard, error)
	FindCardByMessageHeader(ctx context.Context, boardID, messageIDHeader string) (*domain.BoardCard, error)
	CreateCard(ctx context.Context, card *domain.BoardCard) error
	ListColumns(ctx context.Context, boardID string) ([]domain.BoardColumn, error)
}

// ThreadResolver 把外部邮件线程映射到看板卡片。
//
// 线程 ID 没有对应卡片时，先按 In-Reply-To 与 References 查找已写入的父邮件，
// 只带 In-Reply-To 回复中间邮件的分支仍归入原卡片。
// 并发创建依赖存储层的 (board_id, external_thread_id) 唯一约束，
// 插入冲突的一方重新读取胜出者的卡片。
type ThreadResolver struct {
	store   ResolverStore
	retries int
	columns *cache.LocalCache[string]
	log     *zap.Logger
	now     func() time.Time
}

// 看板默认列很少变化，短 TTL 足以避免每个新线程都查一次列表
const defaultColumnTTL = time.Minute

// NewThreadResolver 创建线程解析器，retries 为唯一冲突后的最大重试次数
func NewThreadResolver(store ResolverStore, retries int, log *zap.Logger) *ThreadResolver {
	if retries <= 0 {
		retries = 3
	}
	return &ThreadResolver{
		store:   store,
		retries: retries,
		columns: cache.NewLocalCache[string](10000, defaultColumnTTL),
		log:     log,
		now:     time.Now,
	}
}

// RunCacheCleanup 定期清理默认列缓存，直到 ctx 取消
func (r *ThreadResolver) RunCacheCleanup(ctx context.Context) {
	r.columns.Run(ctx, defaultColumnTTL)
}

// Resolve 返回邮件所属的卡片，不存在时以 Inbox 状态创建
func (r *ThreadResolver) Resolve(ctx context.Context, account *domain.MailboxAccount, msg *domain.CanonicalMessage) (*domain.BoardCard, bool, error) {
	threadID := msg.ProviderThreadID
	if threadID == "" {
		return nil, false, domain.Malformed(fmt.Errorf("message %s has no thread id", msg.ProviderMessageID))
	}

	for attempt := 0; attempt <= r.retries; attempt++ {
		card, err := r.store.FindCardByThread(ctx, account.BoardID, threadID)
		if err == nil {
			return card, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, domain.Transient(fmt.Errorf("finding card for thread %s: %w", threadID, err))
		}
		if attempt == 0 {
			card, err := r.findByParent(ctx, account.BoardID, msg)
			if err == nil {
				return card, false, nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, false, err
			}
		}

		columnID, err := r.defaultColumn(ctx, account)
		if err != nil {
			return nil, false, err
		}

		activity := msg.SentAt.UTC()
		if activity.IsZero() {
			activity = r.now().UTC()
		}
		tid := threadID
		card = &domain.BoardCard{
			ID:               uuid.NewString(),
			BoardID:          account.BoardID,
			ColumnID:         columnID,
			ExternalThreadID: &tid,
			State:            domain.CardStateInbox,
			Subject:          msg.Subject,
			LastActivityAt:   activity,
		}
		err = r.store.CreateCard(ctx, card)
		if err == nil {
			r.log.Debug("card created for thread",
				logger.BoardID(account.BoardID),
				logger.CardID(card.ID),
				zap.String("thread_id", threadID),
			)
			return card, true, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, false, domain.Transient(fmt.Errorf("creating card for thread %s: %w", threadID, err))
		}
		// 另一个写入者抢先创建，重新读取
		r.log.Debug("card create lost race, refetching",
			logger.BoardID(account.BoardID),
			zap.String("thread_id", threadID),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, false, fmt.Errorf("thread %s on board %s: %w", threadID, account.BoardID, domain.ErrDuplicateCreate)
}

// 单封邮件最多按这么多个父 Message-Id 查找卡片
const maxParentLookups = 20

// findByParent 按最近的祖先优先查找已写入父邮件所在的卡片
func (r *ThreadResolver) findByParent(ctx context.Context, boardID string, msg *domain.CanonicalMessage) (*domain.BoardCard, error) {
	parents := make([]string, 0, len(msg.References)+1)
	if msg.InReplyTo != "" {
		parents = append(parents, msg.InReplyTo)
	}
	for i := len(msg.References) - 1; i >= 0; i-- {
		parents = append(parents, msg.References[i])
	}

	seen := make(map[string]struct{}, len(parents))
	lookups := 0
	for _, id := range parents {
		if id == "" || id == msg.MessageIDHeader {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if lookups == maxParentLookups {
			break
		}
		lookups++

		card, err := r.store.FindCardByMessageHeader(ctx, boardID, id)
		if err == nil {
			r.log.Debug("thread joined through parent message",
				logger.BoardID(boardID),
				logger.CardID(card.ID),
				zap.String("parent", id),
			)
			return card, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, domain.Transient(fmt.Errorf("finding card for parent %s: %w", id, err))
		}
	}
	return nil, storage.ErrNotFound
}

// defaultColumn 账户配置的默认列，未配置时取看板的默认列
func (r *ThreadResolver) defaultColumn(ctx context.Context, account *domain.MailboxAccount) (string, error) {
	if account.DefaultColumnID != "" {
		return account.DefaultColumnID, nil
	}
	if id, ok := r.columns.Get(account.BoardID); ok {
		return id, nil
	}
	columns, err := r.store.ListColumns(ctx, account.BoardID)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("listing columns of board %s: %w", account.BoardID, err))
	}
	id := pickDefaultColumn(columns)
	if id != "" {
		r.columns.Set(account.BoardID, id, 0)
	}
	return id, nil
}

func pickDefaultColumn(columns []domain.BoardColumn) string {
	for _, c := range columns {
		if c.IsDefault {
			return c.ID
		}
	}
	if len(columns) > 0 {
		return columns[0].ID
	}
	return ""
}
