package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/logger"
	"boardmail/backend/internal/storage"
)

// ReadStore 已读跟踪所需的存储能力
type ReadStore interface {
	GetCard(ctx context.Context, id string) (*domain.BoardCard, error)
	ListCards(ctx context.Context, boardID string) ([]domain.BoardCard, error)
	IsMember(ctx context.Context, boardID, userID string) (bool, error)
	UpsertReadPosition(ctx context.Context, pos *domain.ReadPosition) (*domain.ReadPosition, error)
	GetReadPosition(ctx context.Context, cardID, userID string) (*domain.ReadPosition, error)
}

// ReadTracker 按 (卡片, 用户) 记录已读位置。
//
// 未读 := 没有已读位置，或已读位置早于卡片最后一封邮件的到达时间。
// 邮件的 Date 总是早于写入时间，用发送时间比较会漏掉阅读之后才到达的回复。
type ReadTracker struct {
	store ReadStore
	log   *zap.Logger
	now   func() time.Time
}

// NewReadTracker 创建已读跟踪器
func NewReadTracker(store ReadStore, log *zap.Logger) *ReadTracker {
	return &ReadTracker{store: store, log: log, now: time.Now}
}

// MarkRead 把用户在卡片上的已读位置设为当前时间，并发标记时位置不会回退
func (r *ReadTracker) MarkRead(ctx context.Context, cardID, userID string) (*domain.ReadPosition, error) {
	card, err := r.memberCard(ctx, cardID, userID)
	if err != nil {
		return nil, err
	}
	return r.store.UpsertReadPosition(ctx, &domain.ReadPosition{
		CardID: card.ID,
		UserID: userID,
		ReadAt: r.now().UTC(),
	})
}

// IsUnread 卡片对该用户是否未读
func (r *ReadTracker) IsUnread(ctx context.Context, cardID, userID string) (bool, error) {
	card, err := r.memberCard(ctx, cardID, userID)
	if err != nil {
		return false, err
	}
	pos, err := r.position(ctx, card.ID, userID)
	if err != nil {
		return false, err
	}
	return domain.IsUnread(pos, card.UnreadSince()), nil
}

// UnreadCards 返回看板上对该用户未读的卡片，最近活动在前
func (r *ReadTracker) UnreadCards(ctx context.Context, boardID, userID string) ([]domain.BoardCard, error) {
	ok, err := r.store.IsMember(ctx, boardID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotBoardMember
	}

	cards, err := r.store.ListCards(ctx, boardID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.BoardCard, 0, len(cards))
	for _, c := range cards {
		pos, err := r.position(ctx, c.ID, userID)
		if err != nil {
			return nil, err
		}
		if domain.IsUnread(pos, c.UnreadSince()) {
			out = append(out, c)
		}
	}
	return out, nil
}

// OnTransition 状态变更不影响已读位置，只记录日志
func (r *ReadTracker) OnTransition(_ context.Context, t domain.Transition) {
	r.log.Debug("read positions kept across transition",
		logger.CardID(t.CardID),
		zap.String("to", string(t.To)),
	)
}

func (r *ReadTracker) memberCard(ctx context.Context, cardID, userID string) (*domain.BoardCard, error) {
	card, err := r.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	ok, err := r.store.IsMember(ctx, card.BoardID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotBoardMember
	}
	return card, nil
}

func (r *ReadTracker) position(ctx context.Context, cardID, userID string) (*domain.ReadPosition, error) {
	pos, err := r.store.GetReadPosition(ctx, cardID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return pos, err
}
