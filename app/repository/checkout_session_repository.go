package repository

import (
	"context"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type checkoutSessionRepository struct {
	db *gorm.DB
}

// NewCheckoutSessionRepository creates a new checkout session repository instance
func NewCheckoutSessionRepository(db *gorm.DB) CheckoutSessionRepository {
	return &checkoutSessionRepository{db: db}
}

// Upsert inserts or refreshes a checkout session keyed by remote_id. Links that
// are unset on the incoming row are left as stored.
func (r *checkoutSessionRepository) Upsert(ctx context.Context, session *models.BillingCheckoutSession) error {
	db := r.db.WithContext(ctx)
	columns := []string{"subscription_remote_id", "status", "url", "metadata", "updated_at"}
	if session.CustomerID != nil {
		columns = append(columns, "customer_id")
	}
	if session.RentalAgreementID != nil {
		columns = append(columns, "rental_agreement_id")
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(session).Error; err != nil {
		return err
	}
	return reloadByRemoteID(db, session.RemoteID, session)
}

func (r *checkoutSessionRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingCheckoutSession, error) {
	var session models.BillingCheckoutSession
	if err := r.db.WithContext(ctx).Where("remote_id = ?", remoteID).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

type connectedAccountRepository struct {
	db *gorm.DB
}

// NewConnectedAccountRepository creates a new connected account repository instance
func NewConnectedAccountRepository(db *gorm.DB) ConnectedAccountRepository {
	return &connectedAccountRepository{db: db}
}

func (r *connectedAccountRepository) Upsert(ctx context.Context, account *models.BillingConnectedAccount) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email",
			"charges_enabled",
			"payouts_enabled",
			"details_submitted",
			"updated_at",
		}),
	}).Create(account).Error; err != nil {
		return err
	}
	return reloadByRemoteID(db, account.RemoteID, account)
}

func (r *connectedAccountRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingConnectedAccount, error) {
	var account models.BillingConnectedAccount
	if err := r.db.WithContext(ctx).Where("remote_id = ?", remoteID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
