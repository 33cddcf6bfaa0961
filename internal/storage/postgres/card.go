package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/storage"
)

// ========== Card Repository ==========

// CreateCard 插入新卡片，唯一索引冲突时返回 storage.ErrDuplicate
func (s *Store) CreateCard(ctx context.Context, card *domain.BoardCard) error {
	return translate(s.db.WithContext(ctx).Create(card).Error)
}

// GetCard 根据 ID 获取卡片
func (s *Store) GetCard(ctx context.Context, id string) (*domain.BoardCard, error) {
	var card domain.BoardCard
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&card).Error; err != nil {
		return nil, translate(err)
	}
	return &card, nil
}

// FindCardByThread 根据看板与外部线程 ID 查找卡片
func (s *Store) FindCardByThread(ctx context.Context, boardID, threadID string) (*domain.BoardCard, error) {
	var card domain.BoardCard
	err := s.db.WithContext(ctx).
		Where("board_id = ? AND external_thread_id = ?", boardID, threadID).
		First(&card).Error
	if err != nil {
		return nil, translate(err)
	}
	return &card, nil
}

// FindCardByMessageHeader 通过已写入邮件的 Message-Id 查找看板上的卡片
func (s *Store) FindCardByMessageHeader(ctx context.Context, boardID, messageIDHeader string) (*domain.BoardCard, error) {
	db := s.db.WithContext(ctx)
	owners := db.Model(&domain.EmailMessage{}).
		Select("card_id").
		Where("message_id_header = ?", messageIDHeader)

	var card domain.BoardCard
	err := db.Where("board_id = ? AND id IN (?)", boardID, owners).First(&card).Error
	if err != nil {
		return nil, translate(err)
	}
	return &card, nil
}

// UpdateCardState 条件更新：仅当当前状态为 from 时生效
func (s *Store) UpdateCardState(ctx context.Context, id string, from, to domain.CardState) error {
	result := s.db.WithContext(ctx).Model(&domain.BoardCard{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]interface{}{"state": to, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	if _, err := s.GetCard(ctx, id); err != nil {
		return err
	}
	return storage.ErrStateConflict
}

// LinkCardThread 为卡片关联外部线程
func (s *Store) LinkCardThread(ctx context.Context, id, threadID string) error {
	result := s.db.WithContext(ctx).Model(&domain.BoardCard{}).
		Where("id = ?", id).
		Update("external_thread_id", threadID)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListCards 返回看板全部卡片，最近活动在前
func (s *Store) ListCards(ctx context.Context, boardID string) ([]domain.BoardCard, error) {
	var cards []domain.BoardCard
	err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("last_activity_at DESC, id").
		Find(&cards).Error
	return cards, translate(err)
}

// ========== Message Repository ==========

// MessageExists 账户下的提供商邮件 ID 是否已写入
func (s *Store) MessageExists(ctx context.Context, accountID, providerMessageID string) (bool, error) {
	return messageExists(s.db.WithContext(ctx), accountID, providerMessageID)
}

// ListMessages 按 (sent_at, provider_message_id) 升序返回卡片邮件（含附件），回复链顺序由 service.OrderMessages 处理
func (s *Store) ListMessages(ctx context.Context, cardID string) ([]domain.EmailMessage, error) {
	var messages []domain.EmailMessage
	err := s.db.WithContext(ctx).
		Preload("Attachments").
		Where("card_id = ?", cardID).
		Order("sent_at, provider_message_id").
		Find(&messages).Error
	return messages, translate(err)
}

func messageExists(db *gorm.DB, accountID, providerMessageID string) (bool, error) {
	var count int64
	err := db.Model(&domain.EmailMessage{}).
		Where("account_id = ? AND provider_message_id = ?", accountID, providerMessageID).
		Count(&count).Error
	return count > 0, translate(err)
}

// ========== Read Position Repository ==========

// UpsertReadPosition 写入已读位置；已有更晚的位置时保持不变
func (s *Store) UpsertReadPosition(ctx context.Context, pos *domain.ReadPosition) (*domain.ReadPosition, error) {
	db := s.db.WithContext(ctx)

	// 先尝试插入，冲突时只在时间更晚时更新
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(pos).Error
	if err != nil {
		return nil, translate(err)
	}
	err = db.Model(&domain.ReadPosition{}).
		Where("card_id = ? AND user_id = ? AND read_at < ?", pos.CardID, pos.UserID, pos.ReadAt).
		Update("read_at", pos.ReadAt).Error
	if err != nil {
		return nil, translate(err)
	}
	return s.GetReadPosition(ctx, pos.CardID, pos.UserID)
}

// GetReadPosition 获取已读位置
func (s *Store) GetReadPosition(ctx context.Context, cardID, userID string) (*domain.ReadPosition, error) {
	var pos domain.ReadPosition
	err := s.db.WithContext(ctx).Where("card_id = ? AND user_id = ?", cardID, userID).First(&pos).Error
	if err != nil {
		return nil, translate(err)
	}
	return &pos, nil
}
