package entities

import "time"

// GenerationSession is the persisted session row.
type GenerationSession struct {
	ID            uint    `gorm:"primaryKey"`
	PublicID      string  `gorm:"type:varchar(40);uniqueIndex;not null"`
	EntryType     string  `gorm:"type:varchar(16);not null"`
	SourceImageID *string `gorm:"type:varchar(40)"`
	Status        string  `gorm:"type:varchar(16);not null;index"`
	StartedAt     time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}
