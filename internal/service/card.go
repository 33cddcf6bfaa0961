package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/storage"
)

// CardService 草稿卡片与邮件列表
type CardService struct {
	store storage.Store
	now   func() time.Time
}

// NewCardService 创建卡片服务
func NewCardService(store storage.Store) *CardService {
	return &CardService{store: store, now: time.Now}
}

// CreateDraft 创建尚未关联外部线程的草稿卡片，columnID 为空时使用看板默认列
func (s *CardService) CreateDraft(ctx context.Context, boardID, columnID, subject, actorID string) (*domain.BoardCard, error) {
	ok, err := s.store.IsMember(ctx, boardID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotBoardMember
	}
	if columnID == "" {
		columns, err := s.store.ListColumns(ctx, boardID)
		if err != nil {
			return nil, err
		}
		columnID = pickDefaultColumn(columns)
	}

	card := &domain.BoardCard{
		ID:             uuid.NewString(),
		BoardID:        boardID,
		ColumnID:       columnID,
		State:          domain.CardStateInbox,
		Subject:        subject,
		LastActivityAt: s.now().UTC(),
	}
	if err := s.store.CreateCard(ctx, card); err != nil {
		return nil, err
	}
	return card, nil
}

// LinkThread 首封外发邮件发送后为草稿关联外部线程，线程已属于其他卡片时返回 ErrThreadAlreadyUsed
func (s *CardService) LinkThread(ctx context.Context, cardID, threadID string) error {
	err := s.store.LinkCardThread(ctx, cardID, threadID)
	if errors.Is(err, storage.ErrDuplicate) {
		return domain.ErrThreadAlreadyUsed
	}
	return err
}

// ListMessages 返回卡片邮件，按会话顺序排列。
//
// 展示邮件应走这里；存储层只保证 (sent_at, provider_message_id) 的确定顺序，不处理回复链。
func (s *CardService) ListMessages(ctx context.Context, cardID string) ([]domain.EmailMessage, error) {
	msgs, err := s.store.ListMessages(ctx, cardID)
	if err != nil {
		return nil, err
	}
	OrderMessages(msgs)
	return msgs, nil
}

// OrderMessages 按发送时间升序排列；时间相同时回复排在被回复邮件之后，再按提供商 ID 排列
func OrderMessages(msgs []domain.EmailMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})

	for start := 0; start < len(msgs); {
		end := start + 1
		for end < len(msgs) && msgs[end].SentAt.Equal(msgs[start].SentAt) {
			end++
		}
		if end-start > 1 {
			orderTies(msgs[start:end])
		}
		start = end
	}
}

// orderTies 同一时刻的邮件按回复链深度排序
func orderTies(group []domain.EmailMessage) {
	depth := make(map[string]int, len(group))
	var visit func(i int, seen map[int]bool) int
	visit = func(i int, seen map[int]bool) int {
		id := group[i].ProviderMessageID
		if d, ok := depth[id]; ok {
			return d
		}
		seen[i] = true
		d := 0
		for j := range group {
			if j == i || seen[j] {
				continue
			}
			if group[i].RepliesTo(group[j].MessageIDHeader) {
				if pd := visit(j, seen) + 1; pd > d {
					d = pd
				}
			}
		}
		delete(seen, i)
		depth[id] = d
		return d
	}
	for i := range group {
		visit(i, map[int]bool{})
	}

	sort.SliceStable(group, func(i, j int) bool {
		di, dj := depth[group[i].ProviderMessageID], depth[group[j].ProviderMessageID]
		if di != dj {
			return di < dj
		}
		return group[i].ProviderMessageID < group[j].ProviderMessageID
	})
}
