package entities

import (
	"time"

	"gorm.io/datatypes"
)

// GenerationStep is the persisted step row. Params holds the resolved
// parameter snapshot as jsonb; it never changes after dispatch.
type GenerationStep struct {
	ID              uint           `gorm:"primaryKey"`
	PublicID        string         `gorm:"type:varchar(40);uniqueIndex;not null"`
	SessionID       uint           `gorm:"not null;index;index:idx_generation_steps_session_position,priority:1"`
	ParentID        *uint          `gorm:"index"`
	Prompt          string         `gorm:"type:text;not null"`
	NegativePrompt  string         `gorm:"type:text"`
	Params          datatypes.JSON `gorm:"type:jsonb;not null"`
	BatchID         string         `gorm:"type:varchar(48);uniqueIndex;not null"`
	CorrelationID   *string        `gorm:"type:varchar(64);index"`
	JobRef          *string        `gorm:"type:varchar(64)"`
	Status          string         `gorm:"type:varchar(16);not null;index"`
	Position        int            `gorm:"not null;index:idx_generation_steps_session_position,priority:2"`
	SelectedImageID *string        `gorm:"type:varchar(40)"`
	DispatchedAt    *time.Time
	FailureCode     *string   `gorm:"type:varchar(48)"`
	FailureMessage  *string   `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`

	Session *GenerationSession `gorm:"foreignKey:SessionID"`
	Parent  *GenerationStep    `gorm:"foreignKey:ParentID"`
}
