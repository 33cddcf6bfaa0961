package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/storage"
)

// racingStore 模拟另一个实例在查找与插入之间抢先创建卡片
type racingStore struct {
	winner  *domain.BoardCard
	lookups int
	creates int
	lists   int
	always  bool
}

func (s *racingStore) FindCardByThread(context.Context, string, string) (*domain.BoardCard, error) {
	s.lookups++
	if s.creates > 0 && !s.always {
		return s.winner, nil
	}
	return nil, storage.ErrNotFound
}

func (s *racingStore) FindCardByMessageHeader(context.Context, string, string) (*domain.BoardCard, error) {
	return nil, storage.ErrNotFound
}

func (s *racingStore) CreateCard(context.Context, *domain.BoardCard) error {
	s.creates++
	return storage.ErrDuplicate
}

func (s *racingStore) ListColumns(context.Context, string) ([]domain.BoardColumn, error) {
	s.lists++
	return []domain.BoardColumn{{ID: "c2"}, {ID: "c1", IsDefault: true}}, nil
}

func TestThreadResolverUsesWinnerAfterConflict(t *testing.T) {
	store := &racingStore{winner: &domain.BoardCard{ID: "winner"}}
	r := NewThreadResolver(store, 3, zap.NewNop())

	card, created, err := r.Resolve(context.Background(), &domain.MailboxAccount{BoardID: "b1"}, inbound("m1", "t1", baseTime))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", card.ID)
	assert.Equal(t, 1, store.creates)
}

func TestThreadResolverBoundedRetries(t *testing.T) {
	store := &racingStore{always: true}
	r := NewThreadResolver(store, 2, zap.NewNop())

	_, _, err := r.Resolve(context.Background(), &domain.MailboxAccount{BoardID: "b1"}, inbound("m1", "t1", baseTime))
	assert.ErrorIs(t, err, domain.ErrDuplicateCreate)
	assert.Equal(t, 3, store.creates)
}

func TestPickDefaultColumn(t *testing.T) {
	assert.Equal(t, "c1", pickDefaultColumn([]domain.BoardColumn{{ID: "c2"}, {ID: "c1", IsDefault: true}}))
	assert.Equal(t, "c2", pickDefaultColumn([]domain.BoardColumn{{ID: "c2"}}))
	assert.Empty(t, pickDefaultColumn(nil))
}

func TestThreadResolverCachesDefaultColumn(t *testing.T) {
	store := &racingStore{always: true}
	r := NewThreadResolver(store, 2, zap.NewNop())
	account := &domain.MailboxAccount{BoardID: "b1"}

	for i := 0; i < 3; i++ {
		id, err := r.defaultColumn(context.Background(), account)
		require.NoError(t, err)
		assert.Equal(t, "c1", id)
	}
	assert.Equal(t, 1, store.lists)

	t.Run("账户指定的默认列不查看板", func(t *testing.T) {
		id, err := r.defaultColumn(context.Background(), &domain.MailboxAccount{BoardID: "b2", DefaultColumnID: "own"})
		require.NoError(t, err)
		assert.Equal(t, "own", id)
		assert.Equal(t, 1, store.lists)
	})
}

func TestThreadResolverJoinsThroughInReplyTo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.writer.Ingest(ctx, f.account, inbound("m1", "m1@mail", baseTime))
	require.NoError(t, err)

	reply := inbound("m2", "m1@mail", baseTime.Add(time.Minute))
	reply.InReplyTo = "m1@mail"
	reply.References = []string{"m1@mail"}
	_, err = f.writer.Ingest(ctx, f.account, reply)
	require.NoError(t, err)

	// 只带 In-Reply-To 的分支回复，线程键退化为中间邮件的 Message-Id
	branch := inbound("m3", "m2@mail", baseTime.Add(2*time.Minute))
	branch.InReplyTo = "m2@mail"
	res, err := f.writer.Ingest(ctx, f.account, branch)
	require.NoError(t, err)
	assert.False(t, res.CardCreated)
	assert.Equal(t, root.CardID, res.CardID)

	cards, err := f.store.ListCards(ctx, f.account.BoardID)
	require.NoError(t, err)
	assert.Len(t, cards, 1)

	t.Run("父邮件不在看板上时新建卡片", func(t *testing.T) {
		orphan := inbound("m4", "elsewhere@mail", baseTime.Add(3*time.Minute))
		orphan.InReplyTo = "elsewhere@mail"
		res, err := f.writer.Ingest(ctx, f.account, orphan)
		require.NoError(t, err)
		assert.True(t, res.CardCreated)
	})
}
