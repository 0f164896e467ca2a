package audit

import (
	"time"

	"github.com/google/uuid"
)

// GenerationRecord is a persisted audit row for a finished generation
// attempt. Delivered and failed attempts are recorded; denied attempts
// never reach the downstream call and are not.
type GenerationRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"index;not null"`
	Selection string    `gorm:"not null"`
	Outcome   string    `gorm:"index;not null"`
	Detail    string
	CreatedAt time.Time `gorm:"index"`
}

// TableName returns the database table name.
func (GenerationRecord) TableName() string {
	return "generation_records"
}
