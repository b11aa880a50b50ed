package entities

import (
	"time"

	"gorm.io/datatypes"
)

// GeneratedImage is the persisted image row. BatchID is null for orphans;
// orphaned images stay retrievable through the gallery regardless.
type GeneratedImage struct {
	ID            uint           `gorm:"primaryKey"`
	PublicID      string         `gorm:"type:varchar(40);uniqueIndex;not null"`
	InvokeID      string         `gorm:"type:varchar(128);uniqueIndex;not null"`
	BatchID       *string        `gorm:"type:varchar(48);index"`
	StepID        *uint          `gorm:"index"`
	CorrelationID *string        `gorm:"type:varchar(64)"`
	Width         int            `gorm:"not null"`
	Height        int            `gorm:"not null"`
	Retrieval     string         `gorm:"type:varchar(16);not null;index"`
	AttemptCount  int            `gorm:"not null;default:0"`
	NextAttemptAt *time.Time     `gorm:"index"`
	LastError     *string        `gorm:"type:text"`
	LowConfidence bool           `gorm:"not null;default:false"`
	StorageKey    string         `gorm:"type:varchar(255)"`
	MimeType      string         `gorm:"type:varchar(64)"`
	Bytes         int64          `gorm:"not null;default:0"`
	Metadata      datatypes.JSON `gorm:"type:jsonb"`
	GeneratedAt   time.Time      `gorm:"index"`
	CreatedAt     time.Time      `gorm:"autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime"`

	Step *GenerationStep `gorm:"foreignKey:StepID"`
}
