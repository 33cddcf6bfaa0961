package domain

import (
	"fmt"
	"strings"
	"time"
)

// CardState 卡片工作流状态
type CardState string

const (
	CardStateInbox    CardState = "inbox"
	CardStateArchived CardState = "archived"
	CardStateSpam     CardState = "spam"
	CardStateTrash    CardState = "trash"
)

// Valid 是否为已知状态
func (s CardState) Valid() bool {
	switch s {
	case CardStateInbox, CardStateArchived, CardStateSpam, CardStateTrash:
		return true
	}
	return false
}

// ParseCardState 解析状态字符串（忽略大小写）
func ParseCardState(value string) (CardState, error) {
	state := CardState(strings.ToLower(strings.TrimSpace(value)))
	if !state.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, value)
	}
	return state, nil
}

// BoardCard 看板卡片，一张卡片对应一个外部邮件线程。
//
// 草稿卡片的 ExternalThreadID 为 nil；(board_id, external_thread_id) 唯一。
type BoardCard struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	BoardID          string     `json:"boardId" gorm:"type:varchar(36);not null;uniqueIndex:idx_board_thread,priority:1"`
	ExternalThreadID *string    `json:"externalThreadId,omitempty" gorm:"type:varchar(255);uniqueIndex:idx_board_thread,priority:2"`
	ColumnID         string     `json:"columnId" gorm:"type:varchar(36);index"`
	State            CardState  `json:"state" gorm:"type:varchar(20);index;not null;default:'inbox'"`
	Subject          string     `json:"subject" gorm:"type:varchar(500)"`
	Participants     StringList `json:"participants" gorm:"type:text"`
	HasAttachments   bool       `json:"hasAttachments" gorm:"default:false"`
	MessageCount     int        `json:"messageCount" gorm:"default:0"`
	LastMessageAt    *time.Time `json:"lastMessageAt,omitempty" gorm:"index"`
	LastArrivalAt    *time.Time `json:"lastArrivalAt,omitempty"` // 最后一封邮件写入的时间，不早于其发送时间
	LastActivityAt   time.Time  `json:"lastActivityAt"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// ThreadID 返回外部线程 ID，草稿返回空串
func (c *BoardCard) ThreadID() string {
	if c.ExternalThreadID == nil {
		return ""
	}
	return *c.ExternalThreadID
}

// IsDraft 卡片尚未关联外部线程
func (c *BoardCard) IsDraft() bool {
	return c.ExternalThreadID == nil
}

// UnreadSince 未读判定使用的时间点；旧数据没有到达时间时退回发送时间
func (c *BoardCard) UnreadSince() *time.Time {
	if c.LastArrivalAt != nil {
		return c.LastArrivalAt
	}
	return c.LastMessageAt
}

// AddParticipants 合并参与者地址（小写去重，保持首次出现的顺序）
func (c *BoardCard) AddParticipants(addresses ...string) {
	seen := make(map[string]struct{}, len(c.Participants)+len(addresses))
	for _, p := range c.Participants {
		seen[strings.ToLower(p)] = struct{}{}
	}
	for _, addr := range addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		c.Participants = append(c.Participants, addr)
	}
}

// Transition 一次卡片状态变更记录
type Transition struct {
	CardID  string
	BoardID string
	From    CardState
	To      CardState
	ActorID string // 自动复活时为空
	Cause   TransitionCause
	At      time.Time
}

// TransitionCause 状态变更来源
type TransitionCause string

const (
	CauseMember  TransitionCause = "member"
	CauseInbound TransitionCause = "inbound_message"
)
