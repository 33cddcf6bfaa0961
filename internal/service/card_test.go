package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardmail/backend/internal/domain"
)

func TestCardServiceDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cards := NewCardService(f.store)

	draft, err := cards.CreateDraft(ctx, "board-1", "", "Reply to vendor", "alice")
	require.NoError(t, err)
	assert.True(t, draft.IsDraft())
	assert.Equal(t, "col-new", draft.ColumnID)

	t.Run("关联线程后外发邮件写入同一卡片", func(t *testing.T) {
		require.NoError(t, cards.LinkThread(ctx, draft.ID, "t-out"))

		sent := inbound("o1", "t-out", baseTime)
		sent.Direction = domain.DirectionOutbound
		res, err := f.writer.Ingest(ctx, f.account, sent)
		require.NoError(t, err)
		assert.Equal(t, draft.ID, res.CardID)
		assert.False(t, res.CardCreated)
	})

	t.Run("线程已属于其他卡片", func(t *testing.T) {
		other, err := cards.CreateDraft(ctx, "board-1", "", "Other", "alice")
		require.NoError(t, err)
		err = cards.LinkThread(ctx, other.ID, "t-out")
		assert.ErrorIs(t, err, domain.ErrThreadAlreadyUsed)
	})

	t.Run("非成员不能创建草稿", func(t *testing.T) {
		_, err := cards.CreateDraft(ctx, "board-1", "", "x", "mallory")
		assert.ErrorIs(t, err, domain.ErrNotBoardMember)
	})
}

func TestOrderMessages(t *testing.T) {
	at := baseTime
	msgs := []domain.EmailMessage{
		{ProviderMessageID: "c", MessageIDHeader: "c@x", InReplyTo: "b@x", SentAt: at},
		{ProviderMessageID: "z", MessageIDHeader: "z@x", SentAt: at.Add(-time.Minute)},
		{ProviderMessageID: "b", MessageIDHeader: "b@x", References: domain.StringList{"a@x"}, SentAt: at},
		{ProviderMessageID: "a", MessageIDHeader: "a@x", SentAt: at},
		{ProviderMessageID: "d", MessageIDHeader: "d@x", SentAt: at},
	}
	OrderMessages(msgs)

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ProviderMessageID)
	}
	assert.Equal(t, []string{"z", "a", "d", "b", "c"}, ids)
}

func TestOrderMessagesReplyCycle(t *testing.T) {
	msgs := []domain.EmailMessage{
		{ProviderMessageID: "b", MessageIDHeader: "b@x", InReplyTo: "a@x", SentAt: baseTime},
		{ProviderMessageID: "a", MessageIDHeader: "a@x", InReplyTo: "b@x", SentAt: baseTime},
	}
	assert.NotPanics(t, func() { OrderMessages(msgs) })
	assert.Len(t, msgs, 2)
}
