package chat

import (
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/common"
)

type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Name      string    `gorm:"type:varchar(128);not null;default:''" json:"name"`
	Type      int       `gorm:"not null;default:0" json:"type"`
	Provider  string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string    `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

func NewSessionID() (string, error) {
	return common.NewULID()
}
