package domain

import "time"

// Board 看板容器
type Board struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string    `json:"name" gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// BoardColumn 看板中的有序列
type BoardColumn struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	BoardID   string    `json:"boardId" gorm:"type:varchar(36);index;not null"`
	Name      string    `json:"name" gorm:"type:varchar(255)"`
	Position  int       `json:"position"`
	IsDefault bool      `json:"isDefault" gorm:"default:false"`
	CreatedAt time.Time `json:"createdAt"`
}

// BoardMember 看板成员，决定谁能看到看板
type BoardMember struct {
	BoardID  string    `json:"boardId" gorm:"primaryKey;type:varchar(36)"`
	UserID   string    `json:"userId" gorm:"primaryKey;type:varchar(36)"`
	Role     string    `json:"role" gorm:"type:varchar(20);default:'member'"`
	JoinedAt time.Time `json:"joinedAt"`
}
