package postgres

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/storage"
)

// WithinTx 在单个数据库事务中执行 fn
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
}

type gormTx struct {
	db *gorm.DB
}

// GetCardForUpdate 使用 SELECT ... FOR UPDATE 锁定卡片行（SQLite 忽略锁子句）
func (t *gormTx) GetCardForUpdate(ctx context.Context, id string) (*domain.BoardCard, error) {
	var card domain.BoardCard
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&card).Error
	if err != nil {
		return nil, translate(err)
	}
	return &card, nil
}

func (t *gormTx) MessageExists(ctx context.Context, accountID, providerMessageID string) (bool, error) {
	return messageExists(t.db.WithContext(ctx), accountID, providerMessageID)
}

// InsertMessage 插入邮件，附件随关联一并写入
func (t *gormTx) InsertMessage(ctx context.Context, msg *domain.EmailMessage) error {
	return translate(t.db.WithContext(ctx).Create(msg).Error)
}

func (t *gormTx) SaveCard(ctx context.Context, card *domain.BoardCard) error {
	result := t.db.WithContext(ctx).Model(card).Select(
		"state", "subject", "participants", "has_attachments",
		"message_count", "last_message_at", "last_activity_at", "updated_at",
	).Updates(card)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
