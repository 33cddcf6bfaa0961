package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/logger"
	"boardmail/backend/internal/storage"
)

// EventPublisher 新邮件通知的发布端
type EventPublisher interface {
	PublishNewMessage(ctx context.Context, event domain.NewMessageEvent) error
}

// IngestObserver 写入结果的遥测钩子
type IngestObserver interface {
	MessageIngested(direction domain.MessageDirection, cardCreated bool)
	DuplicateSkipped()
}

type nopIngestObserver struct{}

func (nopIngestObserver) MessageIngested(domain.MessageDirection, bool) {}
func (nopIngestObserver) DuplicateSkipped()                             {}

// IngestResult 一次写入的结果
type IngestResult struct {
	CardID      string
	MessageID   string
	Skipped     bool // 提供商邮件 ID 已存在
	CardCreated bool
	Transition  *domain.Transition // 入站复活时非空
}

var errAlreadyIngested = errors.New("message already ingested")

// IngestionWriter 幂等地把规范化邮件写入卡片
type IngestionWriter struct {
	store     storage.Store
	resolver  *ThreadResolver
	machine   *CardStateMachine
	publisher EventPublisher
	observer  IngestObserver
	log       *zap.Logger
	now       func() time.Time
}

// NewIngestionWriter 创建写入器，publisher 可以为 nil
func NewIngestionWriter(store storage.Store, resolver *ThreadResolver, machine *CardStateMachine, publisher EventPublisher, log *zap.Logger) *IngestionWriter {
	return &IngestionWriter{
		store:     store,
		resolver:  resolver,
		machine:   machine,
		publisher: publisher,
		observer:  nopIngestObserver{},
		log:       log,
		now:       time.Now,
	}
}

// SetObserver 设置遥测钩子
func (w *IngestionWriter) SetObserver(o IngestObserver) {
	if o != nil {
		w.observer = o
	}
}

// Ingest 解析线程并写入邮件；同一账户下重复的提供商邮件 ID 直接跳过
func (w *IngestionWriter) Ingest(ctx context.Context, account *domain.MailboxAccount, msg *domain.CanonicalMessage) (*IngestResult, error) {
	exists, err := w.store.MessageExists(ctx, account.ID, msg.ProviderMessageID)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("checking message %s: %w", msg.ProviderMessageID, err))
	}
	if exists {
		w.observer.DuplicateSkipped()
		return &IngestResult{Skipped: true}, nil
	}

	card, created, err := w.resolver.Resolve(ctx, account, msg)
	if err != nil {
		return nil, err
	}
	res, err := w.AppendToCard(ctx, account.ID, card.ID, msg)
	if err != nil {
		return nil, err
	}
	res.CardCreated = created
	if !res.Skipped {
		w.observer.MessageIngested(msg.Direction, created)
		w.publish(ctx, card.BoardID, res, msg)
	}
	return res, nil
}

// AppendToCard 在单个事务中写入邮件与附件、更新卡片聚合字段并应用入站复活
func (w *IngestionWriter) AppendToCard(ctx context.Context, accountID, cardID string, msg *domain.CanonicalMessage) (*IngestResult, error) {
	res := &IngestResult{CardID: cardID}

	err := w.store.WithinTx(ctx, func(tx storage.Tx) error {
		exists, err := tx.MessageExists(ctx, accountID, msg.ProviderMessageID)
		if err != nil {
			return err
		}
		if exists {
			return errAlreadyIngested
		}

		card, err := tx.GetCardForUpdate(ctx, cardID)
		if err != nil {
			return err
		}

		record := toEmailMessage(accountID, cardID, msg)
		if err := tx.InsertMessage(ctx, record); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return errAlreadyIngested
			}
			return err
		}

		applyAggregates(card, msg, w.now().UTC())
		if next, changed := NextStateOnInbound(card.State, msg.Direction); changed {
			res.Transition = &domain.Transition{
				CardID:  card.ID,
				BoardID: card.BoardID,
				From:    card.State,
				To:      next,
				Cause:   domain.CauseInbound,
				At:      w.now().UTC(),
			}
			card.State = next
		}
		if err := tx.SaveCard(ctx, card); err != nil {
			return err
		}
		res.MessageID = record.ID
		return nil
	})
	if errors.Is(err, errAlreadyIngested) {
		w.observer.DuplicateSkipped()
		return &IngestResult{CardID: cardID, Skipped: true}, nil
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("writing message %s to card %s: %w", msg.ProviderMessageID, cardID, err))
	}

	if res.Transition != nil && w.machine != nil {
		w.machine.Notify(ctx, *res.Transition)
	}
	w.log.Debug("message ingested",
		logger.CardID(cardID),
		logger.ProviderMessageID(msg.ProviderMessageID),
		zap.String("direction", string(msg.Direction)),
	)
	return res, nil
}

func (w *IngestionWriter) publish(ctx context.Context, boardID string, res *IngestResult, msg *domain.CanonicalMessage) {
	if w.publisher == nil {
		return
	}
	event := domain.NewMessageEvent{
		BoardID:           boardID,
		CardID:            res.CardID,
		MessageID:         res.MessageID,
		ProviderMessageID: msg.ProviderMessageID,
		Subject:           msg.Subject,
		From:              msg.From,
		CardCreated:       res.CardCreated,
		Revived:           res.Transition != nil,
		At:                w.now().UTC(),
	}
	// 通知失败不影响已提交的写入
	if err := w.publisher.PublishNewMessage(ctx, event); err != nil {
		w.log.Warn("failed to publish new message event",
			logger.CardID(res.CardID),
			zap.Error(err),
		)
	}
}

func toEmailMessage(accountID, cardID string, msg *domain.CanonicalMessage) *domain.EmailMessage {
	id := uuid.NewString()
	record := &domain.EmailMessage{
		ID:                id,
		CardID:            cardID,
		AccountID:         accountID,
		ProviderMessageID: msg.ProviderMessageID,
		ProviderThreadID:  msg.ProviderThreadID,
		MessageIDHeader:   msg.MessageIDHeader,
		InReplyTo:         msg.InReplyTo,
		References:        domain.StringList(msg.References),
		Direction:         msg.Direction,
		From:              msg.From,
		To:                domain.StringList(msg.To),
		Cc:                domain.StringList(msg.Cc),
		Subject:           msg.Subject,
		Text:              msg.Text,
		HTML:              msg.HTML,
		SentAt:            msg.SentAt.UTC(),
	}
	if record.Direction == "" {
		record.Direction = domain.DirectionInbound
	}
	for _, a := range msg.Attachments {
		record.Attachments = append(record.Attachments, domain.Attachment{
			ID:                   uuid.NewString(),
			MessageID:            id,
			Filename:             a.Filename,
			ContentType:          a.ContentType,
			Size:                 a.Size,
			ContentKey:           a.ContentKey,
			ProviderAttachmentID: a.Locator,
		})
	}
	return record
}

// applyAggregates 把一封新邮件合并进卡片的聚合字段，now 为写入时间
func applyAggregates(card *domain.BoardCard, msg *domain.CanonicalMessage, now time.Time) {
	card.MessageCount++
	if len(msg.Attachments) > 0 {
		card.HasAttachments = true
	}
	sentAt := msg.SentAt.UTC()
	if card.LastMessageAt == nil || sentAt.After(*card.LastMessageAt) {
		card.LastMessageAt = &sentAt
	}
	arrival := now
	if sentAt.After(arrival) {
		arrival = sentAt
	}
	if card.LastArrivalAt == nil || arrival.After(*card.LastArrivalAt) {
		card.LastArrivalAt = &arrival
	}
	if sentAt.After(card.LastActivityAt) {
		card.LastActivityAt = sentAt
	}
	card.AddParticipants(msg.Participants()...)
	if card.Subject == "" {
		card.Subject = msg.Subject
	}
}
