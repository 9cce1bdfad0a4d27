package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ThreadModel struct {
	ID              string `gorm:"primaryKey"`
	AuthorID        string `gorm:"not null;index"`
	Title           string `gorm:"not null"`
	IsLive          bool   `gorm:"not null;default:false;index"`
	StreamStartedAt *time.Time
	CurrentStreamID string
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type StreamRecordModel struct {
	ID        string    `gorm:"primaryKey"`
	ThreadID  string    `gorm:"not null;index:idx_stream_thread_created,priority:1"`
	CreatedAt time.Time `gorm:"not null;index:idx_stream_thread_created,priority:2"`
}

type MessageModel struct {
	ID        string         `gorm:"primaryKey"`
	MessageID string         `gorm:"not null;uniqueIndex:idx_message_thread_logical,priority:2"`
	ThreadID  string         `gorm:"not null;uniqueIndex:idx_message_thread_logical,priority:1"`
	Role      string         `gorm:"not null"`
	Parts     datatypes.JSON `gorm:"type:jsonb;not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
	UpdatedAt time.Time      `gorm:"not null"`
}
