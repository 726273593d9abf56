package models

import "time"

// Journal directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// JournalEntry is one row of message history: an inbound message, or one
// delivered element of an outbound message.
type JournalEntry struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Direction  string    `gorm:"size:8;not null;index"`
	Platform   string    `gorm:"size:32;not null;default:dingtalk"`
	TargetType string    `gorm:"size:16;not null;index:idx_journal_target"`
	TargetID   string    `gorm:"size:128;not null;index:idx_journal_target"`
	MessageID  string    `gorm:"size:128;index"` // inbound message id or outbound receipt
	UserID     string    `gorm:"size:128"`
	UserName   string    `gorm:"size:128"`
	Kind       string    `gorm:"size:32"`
	Content    string    `gorm:"type:text"`
	Sandbox    bool      `gorm:"default:false"`
	Recalled   bool      `gorm:"default:false"`
	SentAt     time.Time `gorm:"index"`
	CreatedAt  time.Time
}
