package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/logger"
	"boardmail/backend/internal/storage"
)

// TransitionObserver 接收卡片状态变更
type TransitionObserver interface {
	OnTransition(ctx context.Context, t domain.Transition)
}

// StateStore 状态机所需的存储能力
type StateStore interface {
	GetCard(ctx context.Context, id string) (*domain.BoardCard, error)
	UpdateCardState(ctx context.Context, id string, from, to domain.CardState) error
	IsMember(ctx context.Context, boardID, userID string) (bool, error)
}

const maxStateRetries = 5

// CardStateMachine 卡片工作流状态机
//
// 成员可以在任意两个不同状态之间切换；入站邮件只会把 Archived/Trash 复活为 Inbox。
// 状态变更从不删除数据，也不重置已读位置。
type CardStateMachine struct {
	store     StateStore
	observers []TransitionObserver
	log       *zap.Logger
	now       func() time.Time
}

// NewCardStateMachine 创建状态机
func NewCardStateMachine(store StateStore, log *zap.Logger) *CardStateMachine {
	return &CardStateMachine{store: store, log: log, now: time.Now}
}

// AddObserver 注册状态变更观察者，需在开始处理前调用
func (m *CardStateMachine) AddObserver(o TransitionObserver) {
	m.observers = append(m.observers, o)
}

// Transition 成员触发的状态变更，目标与当前状态相同时返回 nil 记录
func (m *CardStateMachine) Transition(ctx context.Context, cardID string, target domain.CardState, actorID string) (*domain.Transition, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidState, target)
	}

	for attempt := 0; attempt < maxStateRetries; attempt++ {
		card, err := m.store.GetCard(ctx, cardID)
		if err != nil {
			return nil, err
		}
		if attempt == 0 {
			ok, err := m.store.IsMember(ctx, card.BoardID, actorID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, domain.ErrNotBoardMember
			}
		}
		if card.State == target {
			return nil, nil
		}

		err = m.store.UpdateCardState(ctx, cardID, card.State, target)
		if errors.Is(err, storage.ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		t := domain.Transition{
			CardID:  cardID,
			BoardID: card.BoardID,
			From:    card.State,
			To:      target,
			ActorID: actorID,
			Cause:   domain.CauseMember,
			At:      m.now().UTC(),
		}
		m.Notify(ctx, t)
		return &t, nil
	}
	return nil, fmt.Errorf("card %s: %w", cardID, storage.ErrStateConflict)
}

// Notify 把已生效的状态变更交给观察者
func (m *CardStateMachine) Notify(ctx context.Context, t domain.Transition) {
	m.log.Info("card state changed",
		logger.CardID(t.CardID),
		logger.BoardID(t.BoardID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("cause", string(t.Cause)),
	)
	for _, o := range m.observers {
		o.OnTransition(ctx, t)
	}
}

// NextStateOnInbound 新邮件到达后卡片应处的状态，第二个返回值表示是否变化
func NextStateOnInbound(current domain.CardState, direction domain.MessageDirection) (domain.CardState, bool) {
	if direction != domain.DirectionInbound {
		return current, false
	}
	switch current {
	case domain.CardStateArchived, domain.CardStateTrash:
		return domain.CardStateInbox, true
	default:
		return current, false
	}
}
