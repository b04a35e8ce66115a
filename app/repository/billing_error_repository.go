package repository

import (
	"context"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
)

// billingErrorRepository implements the BillingErrorRepository interface
type billingErrorRepository struct {
	db *gorm.DB
}

// NewBillingErrorRepository creates a new billing error repository instance
func NewBillingErrorRepository(db *gorm.DB) BillingErrorRepository {
	return &billingErrorRepository{db: db}
}

// Create appends an error record
func (r *billingErrorRepository) Create(ctx context.Context, e *models.BillingError) error {
	return r.db.WithContext(ctx).Create(e).Error
}

// LatestByReference loads the errors of the given references newest first and
// keeps the first seen per reference.
func (r *billingErrorRepository) LatestByReference(ctx context.Context, errContext string, references []string) (map[string]models.BillingError, error) {
	out := make(map[string]models.BillingError, len(references))
	if len(references) == 0 {
		return out, nil
	}
	var rows []models.BillingError
	err := r.db.WithContext(ctx).
		Where("context = ? AND reference IN ?", errContext, references).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if _, seen := out[row.Reference]; !seen {
			out[row.Reference] = row
		}
	}
	return out, nil
}
