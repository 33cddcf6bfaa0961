package storage

import (
	"context"
	"errors"
	"time"

	"boardmail/backend/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 唯一约束冲突（卡片线程或邮件 ID 已存在）
	ErrDuplicate = errors.New("duplicate record")
	// ErrStateConflict 卡片状态已被并发修改
	ErrStateConflict = errors.New("card state changed concurrently")
)

// AccountRepository 定义邮箱账户数据存取操作。
type AccountRepository interface {
	SaveAccount(ctx context.Context, account *domain.MailboxAccount) error
	GetAccount(ctx context.Context, id string) (*domain.MailboxAccount, error)
	ListActiveAccounts(ctx context.Context) ([]domain.MailboxAccount, error)
	UpdateAccountCredentials(ctx context.Context, id, encAccess, encRefresh string, expiresAt time.Time) error
	SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus, reason string) error
	AdvanceWatermark(ctx context.Context, id, watermark string, observedAt time.Time) error
	RecordPollResult(ctx context.Context, id string, polledAt time.Time, pollErr string) error
}

// BoardRepository 定义看板、列与成员数据存取操作。
type BoardRepository interface {
	SaveBoard(ctx context.Context, board *domain.Board) error
	GetBoard(ctx context.Context, id string) (*domain.Board, error)
	SaveColumn(ctx context.Context, column *domain.BoardColumn) error
	ListColumns(ctx context.Context, boardID string) ([]domain.BoardColumn, error)
	AddMember(ctx context.Context, member *domain.BoardMember) error
	IsMember(ctx context.Context, boardID, userID string) (bool, error)
}

// CardRepository 定义卡片数据存取操作。
type CardRepository interface {
	// CreateCard 插入新卡片，(board, thread) 冲突时返回 ErrDuplicate
	CreateCard(ctx context.Context, card *domain.BoardCard) error
	GetCard(ctx context.Context, id string) (*domain.BoardCard, error)
	FindCardByThread(ctx context.Context, boardID, threadID string) (*domain.BoardCard, error)
	// FindCardByMessageHeader 查找看板上包含指定 Message-Id 邮件的卡片
	FindCardByMessageHeader(ctx context.Context, boardID, messageIDHeader string) (*domain.BoardCard, error)
	// UpdateCardState 仅当当前状态等于 from 时更新，否则返回 ErrStateConflict
	UpdateCardState(ctx context.Context, id string, from, to domain.CardState) error
	LinkCardThread(ctx context.Context, id, threadID string) error
	ListCards(ctx context.Context, boardID string) ([]domain.BoardCard, error)
}

// MessageRepository 定义邮件只读操作，写入走 WithinTx。
type MessageRepository interface {
	// MessageExists 提供商邮件 ID 只在所属邮箱内唯一，按 (account, provider id) 判断
	MessageExists(ctx context.Context, accountID, providerMessageID string) (bool, error)
	ListMessages(ctx context.Context, cardID string) ([]domain.EmailMessage, error)
}

// ReadPositionRepository 定义已读位置存取操作。
type ReadPositionRepository interface {
	// UpsertReadPosition 写入已读位置，已有更晚的位置时保持不变
	UpsertReadPosition(ctx context.Context, pos *domain.ReadPosition) (*domain.ReadPosition, error)
	GetReadPosition(ctx context.Context, cardID, userID string) (*domain.ReadPosition, error)
}

// Tx 单个写事务内可用的操作
type Tx interface {
	// GetCardForUpdate 读取并锁定卡片行
	GetCardForUpdate(ctx context.Context, id string) (*domain.BoardCard, error)
	MessageExists(ctx context.Context, accountID, providerMessageID string) (bool, error)
	// InsertMessage 插入邮件及附件，(AccountID, ProviderMessageID) 冲突时返回 ErrDuplicate
	InsertMessage(ctx context.Context, msg *domain.EmailMessage) error
	SaveCard(ctx context.Context, card *domain.BoardCard) error
}

// Store 聚合所有存储接口。
type Store interface {
	AccountRepository
	BoardRepository
	CardRepository
	MessageRepository
	ReadPositionRepository

	// WithinTx 在单个事务中执行 fn，fn 返回错误时整体回滚
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
	Health() error
}

// ObjectStore 附件内容的一次写入对象存储
type ObjectStore interface {
	Put(ctx context.Context, content []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}
