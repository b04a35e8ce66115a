package repository

import (
	"context"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// customerRepository implements the CustomerRepository interface
type customerRepository struct {
	db *gorm.DB
}

// NewCustomerRepository creates a new customer repository instance
func NewCustomerRepository(db *gorm.DB) CustomerRepository {
	return &customerRepository{db: db}
}

// Upsert inserts or refreshes a customer keyed by remote_id and reloads it so
// the ID is populated.
func (r *customerRepository) Upsert(ctx context.Context, customer *models.BillingCustomer) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email",
			"account_id",
			"display_name",
			"balance_minor_units",
			"delinquent",
			"invoice_prefix",
			"metadata",
			"deleted",
			"updated_at",
		}),
	}).Create(customer).Error; err != nil {
		return err
	}
	return reloadByRemoteID(db, customer.RemoteID, customer)
}

// GetByID retrieves a customer by its ID
func (r *customerRepository) GetByID(ctx context.Context, id uint) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	if err := r.db.WithContext(ctx).First(&customer, id).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetByRemoteID retrieves a customer by its gateway id
func (r *customerRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	if err := r.db.WithContext(ctx).Where("remote_id = ?", remoteID).First(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetByEmail retrieves a customer by email address
func (r *customerRepository) GetByEmail(ctx context.Context, email string) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *customerRepository) MarkDeleted(ctx context.Context, remoteID string) error {
	return r.db.WithContext(ctx).Model(&models.BillingCustomer{}).
		Where("remote_id = ?", remoteID).
		Update("deleted", true).Error
}
