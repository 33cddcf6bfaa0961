package domain

// Attachment 表示邮件附件的元数据，内容保存在对象存储中。
type Attachment struct {
	ID                   string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID            string `json:"messageId" gorm:"type:varchar(36);index;not null"`
	Filename             string `json:"filename" gorm:"type:varchar(255)"`
	ContentType          string `json:"contentType" gorm:"type:varchar(100)"`
	Size                 int64  `json:"size"`
	ContentKey           string `json:"contentKey,omitempty" gorm:"type:varchar(128)"` // 对象存储键（内容 sha256）
	ProviderAttachmentID string `json:"-" gorm:"type:varchar(500)"`
}
