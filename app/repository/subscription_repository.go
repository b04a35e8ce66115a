package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// subscriptionRepository implements the SubscriptionRepository interface
type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository instance
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

// Upsert inserts or refreshes a subscription keyed by remote_id. A nil
// RentalAgreementID never clears an existing link.
func (r *subscriptionRepository) Upsert(ctx context.Context, sub *models.BillingSubscription) error {
	db := r.db.WithContext(ctx)
	columns := []string{
		"customer_id",
		"status",
		"amount",
		"start_date",
		"trial_end_date",
		"current_period_start",
		"current_period_end",
		"ended_at",
		"cancel_at",
		"cancel_at_period_end",
		"canceled_at",
		"cancellation_reason",
		"metadata",
		"updated_at",
	}
	if sub.RentalAgreementID != nil {
		columns = append(columns, "rental_agreement_id")
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return reloadByRemoteID(db, sub.RemoteID, sub)
}

// GetByID retrieves a subscription by its ID
func (r *subscriptionRepository) GetByID(ctx context.Context, id uint) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetByRemoteID retrieves a subscription by its gateway id
func (r *subscriptionRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.db.WithContext(ctx).Where("remote_id = ?", remoteID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepository) MarkCanceled(ctx context.Context, remoteID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.BillingSubscription{}).
		Where("remote_id = ?", remoteID).
		Updates(map[string]interface{}{
			"status":   models.SubscriptionCanceled,
			"ended_at": gorm.Expr("COALESCE(ended_at, ?)", at),
		}).Error
}

// ListByRentalAgreement retrieves the subscriptions linked to an agreement
func (r *subscriptionRepository) ListByRentalAgreement(ctx context.Context, agreementID uint) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("rental_agreement_id = ?", agreementID).
		Order("created_at ASC").
		Find(&subs).Error
	return subs, err
}
