package domain

import "time"

// ReadPosition 用户在某张卡片上的已读位置
type ReadPosition struct {
	CardID string    `json:"cardId" gorm:"primaryKey;type:varchar(36)"`
	UserID string    `json:"userId" gorm:"primaryKey;type:varchar(36)"`
	ReadAt time.Time `json:"readAt"`
}

// IsUnread 已读位置是否早于卡片最后一封邮件的到达时间
func IsUnread(pos *ReadPosition, lastArrivalAt *time.Time) bool {
	if lastArrivalAt == nil {
		return false
	}
	if pos == nil {
		return true
	}
	return pos.ReadAt.Before(*lastArrivalAt)
}
