package audit

import (
	"context"

	"gorm.io/gorm"
)

// Repository persists generation records.
type Repository interface {
	Create(ctx context.Context, record *GenerationRecord) error
}

// gormRepository implements Repository on a gorm database.
type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a gorm-backed repository and migrates the
// record table.
func NewRepository(db *gorm.DB) (Repository, error) {
	if err := db.AutoMigrate(&GenerationRecord{}); err != nil {
		return nil, err
	}
	return &gormRepository{db: db}, nil
}

func (r *gormRepository) Create(ctx context.Context, record *GenerationRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}
