package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"boardmail/backend/internal/config"
	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/storage"
)

// Options 连接池参数
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions 默认连接池参数
func DefaultOptions() Options {
	return Options{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}
}

// Store 基于 GORM 的关系型存储实现（PostgreSQL / MySQL）
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string, opts Options) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), opts)
}

// NewPQStore 通过 lib/pq 驱动创建 PostgreSQL 存储实例
func NewPQStore(dsn string, opts Options) (*Store, error) {
	return NewStoreWithDialector(postgres.New(postgres.Config{
		DriverName: "postgres",
		DSN:        dsn,
	}), opts)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string, opts Options) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), opts)
}

// Open 按配置的数据库类型打开存储，database.type 为 postgres、pq 或 mysql
func Open(cfg config.DatabaseConfig) (*Store, error) {
	opts := Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	var (
		store *Store
		err   error
	)
	switch cfg.Type {
	case "postgres":
		store, err = NewStore(cfg.DSN, opts)
	case "pq":
		store, err = NewPQStore(cfg.DSN, opts)
	case "mysql":
		store, err = NewMySQLStore(cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return store, nil
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, opts Options) (*Store, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true, // 唯一约束冲突翻译为 gorm.ErrDuplicatedKey
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	return &Store{db: db}, nil
}

// Models 需要迁移的全部表
func Models() []interface{} {
	return []interface{}{
		&domain.MailboxAccount{},
		&domain.Board{},
		&domain.BoardColumn{},
		&domain.BoardMember{},
		&domain.BoardCard{},
		&domain.EmailMessage{},
		&domain.Attachment{},
		&domain.ReadPosition{},
	}
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(Models()...); err != nil {
		return err
	}
	// 邮件 ID 改为按账户唯一后，旧库里的全局唯一索引需要移除
	migrator := s.db.Migrator()
	if migrator.HasIndex(&domain.EmailMessage{}, legacyProviderMessageIndex) {
		if err := migrator.DropIndex(&domain.EmailMessage{}, legacyProviderMessageIndex); err != nil {
			return fmt.Errorf("dropping %s: %w", legacyProviderMessageIndex, err)
		}
	}
	return nil
}

const legacyProviderMessageIndex = "idx_email_messages_provider_message_id"

// DB 返回底层 GORM 实例
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// ========== Account Repository ==========

// SaveAccount 保存账户信息
func (s *Store) SaveAccount(ctx context.Context, account *domain.MailboxAccount) error {
	return translate(s.db.WithContext(ctx).Save(account).Error)
}

// GetAccount 根据 ID 获取账户
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.MailboxAccount, error) {
	var account domain.MailboxAccount
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

// ListActiveAccounts 返回所有需要轮询的账户
func (s *Store) ListActiveAccounts(ctx context.Context) ([]domain.MailboxAccount, error) {
	var accounts []domain.MailboxAccount
	err := s.db.WithContext(ctx).
		Where("status = ?", domain.AccountStatusActive).
		Order("id").
		Find(&accounts).Error
	return accounts, translate(err)
}

// UpdateAccountCredentials 更新加密令牌
func (s *Store) UpdateAccountCredentials(ctx context.Context, id, encAccess, encRefresh string, expiresAt time.Time) error {
	return s.updateAccount(ctx, id, map[string]interface{}{
		"encrypted_access_token":  encAccess,
		"encrypted_refresh_token": encRefresh,
		"access_token_expires_at": expiresAt,
	})
}

// SetAccountStatus 更新账户状态
func (s *Store) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus, reason string) error {
	return s.updateAccount(ctx, id, map[string]interface{}{
		"status":        status,
		"status_reason": reason,
	})
}

// AdvanceWatermark 前移水位线
func (s *Store) AdvanceWatermark(ctx context.Context, id, watermark string, observedAt time.Time) error {
	updates := map[string]interface{}{"watermark": watermark}
	if !observedAt.IsZero() {
		updates["watermark_at"] = observedAt
	}
	return s.updateAccount(ctx, id, updates)
}

// RecordPollResult 记录最近一次轮询结果
func (s *Store) RecordPollResult(ctx context.Context, id string, polledAt time.Time, pollErr string) error {
	return s.updateAccount(ctx, id, map[string]interface{}{
		"last_polled_at": polledAt,
		"last_error":     pollErr,
	})
}

func (s *Store) updateAccount(ctx context.Context, id string, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&domain.MailboxAccount{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ========== Board Repository ==========

// SaveBoard 保存看板
func (s *Store) SaveBoard(ctx context.Context, board *domain.Board) error {
	return translate(s.db.WithContext(ctx).Save(board).Error)
}

// GetBoard 根据 ID 获取看板
func (s *Store) GetBoard(ctx context.Context, id string) (*domain.Board, error) {
	var board domain.Board
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&board).Error; err != nil {
		return nil, translate(err)
	}
	return &board, nil
}

// SaveColumn 保存看板列
func (s *Store) SaveColumn(ctx context.Context, column *domain.BoardColumn) error {
	return translate(s.db.WithContext(ctx).Save(column).Error)
}

// ListColumns 按位置返回看板列
func (s *Store) ListColumns(ctx context.Context, boardID string) ([]domain.BoardColumn, error) {
	var columns []domain.BoardColumn
	err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Order("position").Find(&columns).Error
	return columns, translate(err)
}

// AddMember 添加看板成员
func (s *Store) AddMember(ctx context.Context, member *domain.BoardMember) error {
	return translate(s.db.WithContext(ctx).Save(member).Error)
}

// IsMember 用户是否为看板成员
func (s *Store) IsMember(ctx context.Context, boardID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.BoardMember{}).
		Where("board_id = ? AND user_id = ?", boardID, userID).
		Count(&count).Error
	return count > 0, translate(err)
}

// translate 将驱动错误转换为存储层哨兵错误
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case IsUniqueViolation(err):
		return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
	}
	return err
}
