package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardmail/backend/internal/domain"
)

func TestReadTracker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := baseTime.Add(time.Hour)
	f.tracker.now = func() time.Time { return clock }
	f.writer.now = func() time.Time { return clock }

	res, err := f.writer.Ingest(ctx, f.account, inbound("m1", "t1", baseTime))
	require.NoError(t, err)

	t.Run("新邮件到达后未读", func(t *testing.T) {
		unread, err := f.tracker.IsUnread(ctx, res.CardID, "alice")
		require.NoError(t, err)
		assert.True(t, unread)
	})

	t.Run("标记已读后不再未读且用户互相独立", func(t *testing.T) {
		_, err := f.tracker.MarkRead(ctx, res.CardID, "alice")
		require.NoError(t, err)

		unread, err := f.tracker.IsUnread(ctx, res.CardID, "alice")
		require.NoError(t, err)
		assert.False(t, unread)

		unread, err = f.tracker.IsUnread(ctx, res.CardID, "bob")
		require.NoError(t, err)
		assert.True(t, unread)
	})

	t.Run("状态变更不重置已读位置", func(t *testing.T) {
		_, err := f.machine.Transition(ctx, res.CardID, domain.CardStateArchived, "bob")
		require.NoError(t, err)

		unread, err := f.tracker.IsUnread(ctx, res.CardID, "alice")
		require.NoError(t, err)
		assert.False(t, unread)
	})

	t.Run("更晚的邮件使卡片重新未读", func(t *testing.T) {
		_, err := f.writer.Ingest(ctx, f.account, inbound("m2", "t1", clock.Add(time.Minute)))
		require.NoError(t, err)

		unread, err := f.tracker.IsUnread(ctx, res.CardID, "alice")
		require.NoError(t, err)
		assert.True(t, unread)

		cards, err := f.tracker.UnreadCards(ctx, "board-1", "alice")
		require.NoError(t, err)
		require.Len(t, cards, 1)
		assert.Equal(t, res.CardID, cards[0].ID)
	})

	t.Run("已读位置不会回退", func(t *testing.T) {
		later := clock.Add(time.Hour)
		f.tracker.now = func() time.Time { return later }
		pos, err := f.tracker.MarkRead(ctx, res.CardID, "alice")
		require.NoError(t, err)
		assert.Equal(t, later, pos.ReadAt)

		f.tracker.now = func() time.Time { return clock }
		pos, err = f.tracker.MarkRead(ctx, res.CardID, "alice")
		require.NoError(t, err)
		assert.Equal(t, later, pos.ReadAt)
	})

	t.Run("非成员不能读取", func(t *testing.T) {
		_, err := f.tracker.MarkRead(ctx, res.CardID, "mallory")
		assert.ErrorIs(t, err, domain.ErrNotBoardMember)
		_, err = f.tracker.UnreadCards(ctx, "board-1", "mallory")
		assert.ErrorIs(t, err, domain.ErrNotBoardMember)
	})
}

func TestReadTrackerReplyDatedBeforeRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	readAt := baseTime.Add(time.Hour)

	f.writer.now = func() time.Time { return baseTime.Add(time.Minute) }
	res, err := f.writer.Ingest(ctx, f.account, inbound("m1", "t1", baseTime))
	require.NoError(t, err)

	f.tracker.now = func() time.Time { return readAt }
	_, err = f.tracker.MarkRead(ctx, res.CardID, "alice")
	require.NoError(t, err)

	// 回复在阅读前 30 秒发出，但在阅读后 30 秒才被轮询写入
	f.writer.now = func() time.Time { return readAt.Add(30 * time.Second) }
	_, err = f.writer.Ingest(ctx, f.account, inbound("m2", "t1", readAt.Add(-30*time.Second)))
	require.NoError(t, err)

	unread, err := f.tracker.IsUnread(ctx, res.CardID, "alice")
	require.NoError(t, err)
	assert.True(t, unread)

	card, err := f.store.GetCard(ctx, res.CardID)
	require.NoError(t, err)
	require.NotNil(t, card.LastArrivalAt)
	assert.Equal(t, readAt.Add(30*time.Second), *card.LastArrivalAt)
	assert.Equal(t, readAt.Add(-30*time.Second), *card.LastMessageAt)
}

func TestReadTrackerCardWithoutMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := NewCardService(f.store).CreateDraft(ctx, "board-1", "", "Draft", "alice")
	require.NoError(t, err)

	unread, err := f.tracker.IsUnread(ctx, draft.ID, "alice")
	require.NoError(t, err)
	assert.False(t, unread)
}
