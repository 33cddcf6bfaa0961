package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/storage"
)

func TestNextStateOnInbound(t *testing.T) {
	cases := []struct {
		current   domain.CardState
		direction domain.MessageDirection
		want      domain.CardState
		changed   bool
	}{
		{domain.CardStateInbox, domain.DirectionInbound, domain.CardStateInbox, false},
		{domain.CardStateArchived, domain.DirectionInbound, domain.CardStateInbox, true},
		{domain.CardStateTrash, domain.DirectionInbound, domain.CardStateInbox, true},
		{domain.CardStateSpam, domain.DirectionInbound, domain.CardStateSpam, false},
		{domain.CardStateArchived, domain.DirectionOutbound, domain.CardStateArchived, false},
		{domain.CardStateTrash, domain.DirectionOutbound, domain.CardStateTrash, false},
	}
	for _, tc := range cases {
		got, changed := NextStateOnInbound(tc.current, tc.direction)
		assert.Equal(t, tc.want, got, "%s/%s", tc.current, tc.direction)
		assert.Equal(t, tc.changed, changed, "%s/%s", tc.current, tc.direction)
	}
}

func TestCardStateMachineTransition(t *testing.T) {
	t.Run("成员可在任意不同状态间切换", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		obs := &recordingObserver{}
		f.machine.AddObserver(obs)
		res, err := f.writer.Ingest(ctx, f.account, inbound("m1", "t1", baseTime))
		require.NoError(t, err)

		path := []domain.CardState{domain.CardStateSpam, domain.CardStateTrash, domain.CardStateArchived, domain.CardStateInbox}
		prev := domain.CardStateInbox
		for _, target := range path {
			tr, err := f.machine.Transition(ctx, res.CardID, target, "alice")
			require.NoError(t, err)
			require.NotNil(t, tr)
			assert.Equal(t, prev, tr.From)
			assert.Equal(t, target, tr.To)
			assert.Equal(t, domain.CauseMember, tr.Cause)
			prev = target
		}
		assert.Len(t, obs.transitions, len(path))

		// 状态变更不删除邮件
		msgs, err := f.store.ListMessages(ctx, res.CardID)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("相同状态是空操作", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		res, err := f.writer.Ingest(ctx, f.account, inbound("m1", "t1", baseTime))
		require.NoError(t, err)

		tr, err := f.machine.Transition(ctx, res.CardID, domain.CardStateInbox, "alice")
		require.NoError(t, err)
		assert.Nil(t, tr)
	})

	t.Run("非成员被拒绝", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		res, err := f.writer.Ingest(ctx, f.account, inbound("m1", "t1", baseTime))
		require.NoError(t, err)

		_, err = f.machine.Transition(ctx, res.CardID, domain.CardStateArchived, "mallory")
		assert.ErrorIs(t, err, domain.ErrNotBoardMember)
	})

	t.Run("未知状态被拒绝", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.machine.Transition(context.Background(), "any", domain.CardState("deleted"), "alice")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

// conflictOnceStore 第一次比较并更新时模拟并发修改
type conflictOnceStore struct {
	card      domain.BoardCard
	conflicts int
}

func (s *conflictOnceStore) GetCard(context.Context, string) (*domain.BoardCard, error) {
	c := s.card
	return &c, nil
}

func (s *conflictOnceStore) UpdateCardState(_ context.Context, _ string, from, to domain.CardState) error {
	if s.conflicts == 0 {
		s.conflicts++
		s.card.State = domain.CardStateSpam
		return storage.ErrStateConflict
	}
	if s.card.State != from {
		return storage.ErrStateConflict
	}
	s.card.State = to
	return nil
}

func (s *conflictOnceStore) IsMember(context.Context, string, string) (bool, error) { return true, nil }

func TestCardStateMachineRetriesOnConflict(t *testing.T) {
	store := &conflictOnceStore{card: domain.BoardCard{ID: "c1", BoardID: "b1", State: domain.CardStateInbox}}
	m := NewCardStateMachine(store, zap.NewNop())

	tr, err := m.Transition(context.Background(), "c1", domain.CardStateArchived, "alice")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, domain.CardStateSpam, tr.From)
	assert.Equal(t, domain.CardStateArchived, store.card.State)
}
