package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/storage"
)

// Store 使用内存保存看板与邮件数据，主要用于开发验证和测试。
//
// 唯一约束与关系型存储一致：(board_id, external_thread_id) 与 (account_id, provider_message_id)。
type Store struct {
	mu sync.RWMutex

	accounts  map[string]*domain.MailboxAccount
	boards    map[string]*domain.Board
	columns   map[string][]*domain.BoardColumn // boardID -> columns
	members   map[string]map[string]*domain.BoardMember
	cards     map[string]*domain.BoardCard
	byThread  map[string]string // boardID + "\x00" + threadID -> cardID
	messages  map[string][]*domain.EmailMessage
	byMsgID   map[string]string               // accountID + "\x00" + providerMessageID -> cardID
	positions map[string]*domain.ReadPosition // cardID + "\x00" + userID

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		accounts:  make(map[string]*domain.MailboxAccount),
		boards:    make(map[string]*domain.Board),
		columns:   make(map[string][]*domain.BoardColumn),
		members:   make(map[string]map[string]*domain.BoardMember),
		cards:     make(map[string]*domain.BoardCard),
		byThread:  make(map[string]string),
		messages:  make(map[string][]*domain.EmailMessage),
		byMsgID:   make(map[string]string),
		positions: make(map[string]*domain.ReadPosition),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ storage.Store = (*Store)(nil)

func threadKey(boardID, threadID string) string { return boardID + "\x00" + threadID }

func messageKey(accountID, providerMessageID string) string {
	return accountID + "\x00" + providerMessageID
}

// ========== Account Repository ==========

// SaveAccount 保存账户（按 provider + 地址唯一）。
func (s *Store) SaveAccount(_ context.Context, account *domain.MailboxAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.accounts {
		if id != account.ID && existing.Provider == account.Provider && existing.ProviderAccountID == account.ProviderAccountID {
			return storage.ErrDuplicate
		}
	}
	now := s.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

// GetAccount 根据 ID 获取账户。
func (s *Store) GetAccount(_ context.Context, id string) (*domain.MailboxAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListActiveAccounts 返回所有需要轮询的账户。
func (s *Store) ListActiveAccounts(_ context.Context) ([]domain.MailboxAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.MailboxAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.IsActive() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAccountCredentials 更新加密令牌与过期时间。
func (s *Store) UpdateAccountCredentials(_ context.Context, id, encAccess, encRefresh string, expiresAt time.Time) error {
	return s.updateAccount(id, func(a *domain.MailboxAccount) {
		a.EncryptedAccessToken = encAccess
		a.EncryptedRefreshToken = encRefresh
		a.AccessTokenExpiresAt = expiresAt
	})
}

// SetAccountStatus 更新账户状态。
func (s *Store) SetAccountStatus(_ context.Context, id string, status domain.AccountStatus, reason string) error {
	return s.updateAccount(id, func(a *domain.MailboxAccount) {
		a.Status = status
		a.StatusReason = reason
	})
}

// AdvanceWatermark 前移水位线。
func (s *Store) AdvanceWatermark(_ context.Context, id, watermark string, observedAt time.Time) error {
	return s.updateAccount(id, func(a *domain.MailboxAccount) {
		a.Watermark = watermark
		if !observedAt.IsZero() && (a.WatermarkAt == nil || observedAt.After(*a.WatermarkAt)) {
			t := observedAt
			a.WatermarkAt = &t
		}
	})
}

// RecordPollResult 记录最近一次轮询时间与错误。
func (s *Store) RecordPollResult(_ context.Context, id string, polledAt time.Time, pollErr string) error {
	return s.updateAccount(id, func(a *domain.MailboxAccount) {
		t := polledAt
		a.LastPolledAt = &t
		a.LastError = pollErr
	})
}

func (s *Store) updateAccount(id string, fn func(a *domain.MailboxAccount)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(a)
	a.UpdatedAt = s.now()
	return nil
}

// ========== Board Repository ==========

// SaveBoard 保存看板。
func (s *Store) SaveBoard(_ context.Context, board *domain.Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if board.CreatedAt.IsZero() {
		board.CreatedAt = s.now()
	}
	cp := *board
	s.boards[board.ID] = &cp
	return nil
}

// GetBoard 根据 ID 获取看板。
func (s *Store) GetBoard(_ context.Context, id string) (*domain.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.boards[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// SaveColumn 新增或更新列。
func (s *Store) SaveColumn(_ context.Context, column *domain.BoardColumn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if column.CreatedAt.IsZero() {
		column.CreatedAt = s.now()
	}
	cp := *column
	cols := s.columns[column.BoardID]
	for i, c := range cols {
		if c.ID == column.ID {
			cols[i] = &cp
			return nil
		}
	}
	s.columns[column.BoardID] = append(cols, &cp)
	return nil
}

// ListColumns 按位置返回看板的列。
func (s *Store) ListColumns(_ context.Context, boardID string) ([]domain.BoardColumn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.BoardColumn, 0, len(s.columns[boardID]))
	for _, c := range s.columns[boardID] {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// AddMember 添加看板成员。
func (s *Store) AddMember(_ context.Context, member *domain.BoardMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if member.JoinedAt.IsZero() {
		member.JoinedAt = s.now()
	}
	if s.members[member.BoardID] == nil {
		s.members[member.BoardID] = make(map[string]*domain.BoardMember)
	}
	cp := *member
	s.members[member.BoardID][member.UserID] = &cp
	return nil
}

// IsMember 用户是否为看板成员。
func (s *Store) IsMember(_ context.Context, boardID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.members[boardID][userID]
	return ok, nil
}

// ========== Card Repository ==========

// CreateCard 插入新卡片。
func (s *Store) CreateCard(_ context.Context, card *domain.BoardCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cards[card.ID]; ok {
		return storage.ErrDuplicate
	}
	if card.ExternalThreadID != nil {
		key := threadKey(card.BoardID, *card.ExternalThreadID)
		if _, ok := s.byThread[key]; ok {
			return storage.ErrDuplicate
		}
		s.byThread[key] = card.ID
	}
	now := s.now()
	card.CreatedAt = now
	card.UpdatedAt = now
	s.cards[card.ID] = cloneCard(card)
	return nil
}

// GetCard 根据 ID 获取卡片。
func (s *Store) GetCard(_ context.Context, id string) (*domain.BoardCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cards[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCard(c), nil
}

// FindCardByThread 根据看板与外部线程 ID 查找卡片。
func (s *Store) FindCardByThread(_ context.Context, boardID, threadID string) (*domain.BoardCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byThread[threadKey(boardID, threadID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCard(s.cards[id]), nil
}

// FindCardByMessageHeader 通过已写入邮件的 Message-Id 查找看板上的卡片。
func (s *Store) FindCardByMessageHeader(_ context.Context, boardID, messageIDHeader string) (*domain.BoardCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for cardID, msgs := range s.messages {
		c, ok := s.cards[cardID]
		if !ok || c.BoardID != boardID {
			continue
		}
		for _, m := range msgs {
			if m.MessageIDHeader == messageIDHeader {
				return cloneCard(c), nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

// UpdateCardState 比较并更新卡片状态。
func (s *Store) UpdateCardState(_ context.Context, id string, from, to domain.CardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[id]
	if !ok {
		return storage.ErrNotFound
	}
	if c.State != from {
		return storage.ErrStateConflict
	}
	c.State = to
	c.UpdatedAt = s.now()
	return nil
}

// LinkCardThread 为草稿卡片关联外部线程。
func (s *Store) LinkCardThread(_ context.Context, id, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[id]
	if !ok {
		return storage.ErrNotFound
	}
	key := threadKey(c.BoardID, threadID)
	if owner, ok := s.byThread[key]; ok {
		if owner == id {
			return nil
		}
		return storage.ErrDuplicate
	}
	if c.ExternalThreadID != nil {
		delete(s.byThread, threadKey(c.BoardID, *c.ExternalThreadID))
	}
	tid := threadID
	c.ExternalThreadID = &tid
	c.UpdatedAt = s.now()
	s.byThread[key] = id
	return nil
}

// ListCards 返回看板全部卡片，最近活动在前。
func (s *Store) ListCards(_ context.Context, boardID string) ([]domain.BoardCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.BoardCard, 0)
	for _, c := range s.cards {
		if c.BoardID == boardID {
			out = append(out, *cloneCard(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ========== Message Repository ==========

// MessageExists 账户下的提供商邮件 ID 是否已写入。
func (s *Store) MessageExists(_ context.Context, accountID, providerMessageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byMsgID[messageKey(accountID, providerMessageID)]
	return ok, nil
}

// ListMessages 按发送时间升序返回卡片的邮件，时间相同时按提供商邮件 ID，与关系型存储一致。
func (s *Store) ListMessages(_ context.Context, cardID string) ([]domain.EmailMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.EmailMessage, 0, len(s.messages[cardID]))
	for _, m := range s.messages[cardID] {
		out = append(out, cloneMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ProviderMessageID < out[j].ProviderMessageID
	})
	return out, nil
}

// ========== Read Position Repository ==========

// UpsertReadPosition 写入已读位置，不会回退。
func (s *Store) UpsertReadPosition(_ context.Context, pos *domain.ReadPosition) (*domain.ReadPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pos.CardID + "\x00" + pos.UserID
	if existing, ok := s.positions[key]; ok && !pos.ReadAt.After(existing.ReadAt) {
		cp := *existing
		return &cp, nil
	}
	cp := *pos
	s.positions[key] = &cp
	out := cp
	return &out, nil
}

// GetReadPosition 获取已读位置。
func (s *Store) GetReadPosition(_ context.Context, cardID, userID string) (*domain.ReadPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[cardID+"\x00"+userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Close 内存存储无需关闭。
func (s *Store) Close() error { return nil }

// Health 内存存储始终可用。
func (s *Store) Health() error { return nil }

func cloneCard(c *domain.BoardCard) *domain.BoardCard {
	cp := *c
	if c.ExternalThreadID != nil {
		tid := *c.ExternalThreadID
		cp.ExternalThreadID = &tid
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	if c.LastArrivalAt != nil {
		t := *c.LastArrivalAt
		cp.LastArrivalAt = &t
	}
	cp.Participants = append(domain.StringList(nil), c.Participants...)
	return &cp
}

func cloneMessage(m *domain.EmailMessage) domain.EmailMessage {
	cp := *m
	cp.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	return cp
}
