package memory

import (
	"context"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/storage"
)

// WithinTx 持有写锁执行 fn，成功后一次性提交暂存的修改。
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:    s,
		cards:    make(map[string]*domain.BoardCard),
		inserted: make(map[string]*domain.EmailMessage),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx 暂存事务内的修改，提交前对外不可见
type memTx struct {
	store    *Store
	cards    map[string]*domain.BoardCard
	inserted map[string]*domain.EmailMessage
	order    []string
}

func (t *memTx) GetCardForUpdate(_ context.Context, id string) (*domain.BoardCard, error) {
	if c, ok := t.cards[id]; ok {
		return cloneCard(c), nil
	}
	c, ok := t.store.cards[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCard(c), nil
}

func (t *memTx) MessageExists(_ context.Context, accountID, providerMessageID string) (bool, error) {
	key := messageKey(accountID, providerMessageID)
	if _, ok := t.inserted[key]; ok {
		return true, nil
	}
	_, ok := t.store.byMsgID[key]
	return ok, nil
}

func (t *memTx) InsertMessage(ctx context.Context, msg *domain.EmailMessage) error {
	if exists, _ := t.MessageExists(ctx, msg.AccountID, msg.ProviderMessageID); exists {
		return storage.ErrDuplicate
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = t.store.now()
	}
	cp := cloneMessage(msg)
	key := messageKey(msg.AccountID, msg.ProviderMessageID)
	t.inserted[key] = &cp
	t.order = append(t.order, key)
	return nil
}

func (t *memTx) SaveCard(_ context.Context, card *domain.BoardCard) error {
	if _, ok := t.store.cards[card.ID]; !ok {
		return storage.ErrNotFound
	}
	card.UpdatedAt = t.store.now()
	t.cards[card.ID] = cloneCard(card)
	return nil
}

func (t *memTx) commit() {
	for id, c := range t.cards {
		t.store.cards[id] = c
	}
	for _, key := range t.order {
		m := t.inserted[key]
		t.store.messages[m.CardID] = append(t.store.messages[m.CardID], m)
		t.store.byMsgID[key] = m.CardID
	}
}
