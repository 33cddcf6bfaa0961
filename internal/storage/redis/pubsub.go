package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
)

// Publisher 通过 Redis 频道广播新邮件事件
type Publisher struct {
	rdb goredis.UniversalClient
	log *zap.Logger
}

// NewPublisher 创建事件发布器
func NewPublisher(c *Client) *Publisher {
	return &Publisher{rdb: c.rdb, log: c.log}
}

// BoardChannel 看板的新邮件频道名
func BoardChannel(boardID string) string {
	return fmt.Sprintf("boardmail:board:%s:messages", boardID)
}

// PublishNewMessage 发布新邮件通知
func (p *Publisher) PublishNewMessage(ctx context.Context, event domain.NewMessageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, BoardChannel(event.BoardID), data).Err()
}

// Subscribe 订阅看板的新邮件通知
func (p *Publisher) Subscribe(ctx context.Context, boardID string) *goredis.PubSub {
	return p.rdb.Subscribe(ctx, BoardChannel(boardID))
}

// Relay 订阅所有看板频道，把事件交给 deliver，直到 ctx 结束
func (p *Publisher) Relay(ctx context.Context, deliver func(domain.NewMessageEvent)) error {
	sub := p.rdb.PSubscribe(ctx, BoardChannel("*"))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := DecodeEvent(msg)
			if err != nil {
				p.log.Warn("dropping undecodable board event",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			deliver(event)
		}
	}
}

// DecodeEvent 解析频道消息
func DecodeEvent(msg *goredis.Message) (domain.NewMessageEvent, error) {
	var event domain.NewMessageEvent
	err := json.Unmarshal([]byte(msg.Payload), &event)
	return event, err
}
