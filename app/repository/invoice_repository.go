package repository

import (
	"context"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// invoiceRepository implements the InvoiceRepository interface
type invoiceRepository struct {
	db *gorm.DB
}

// NewInvoiceRepository creates a new invoice repository instance
func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{db: db}
}

// Upsert inserts or refreshes an invoice keyed by remote_id
func (r *invoiceRepository) Upsert(ctx context.Context, invoice *models.BillingInvoice) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"customer_id",
			"subscription_id",
			"status",
			"amount_charged",
			"amount_paid",
			"amount_remaining",
			"period_start",
			"period_end",
			"due_date",
			"hosted_url",
			"metadata",
			"updated_at",
		}),
	}).Create(invoice).Error; err != nil {
		return err
	}
	return reloadByRemoteID(db, invoice.RemoteID, invoice)
}

// GetByID retrieves an invoice by its ID
func (r *invoiceRepository) GetByID(ctx context.Context, id uint) (*models.BillingInvoice, error) {
	var invoice models.BillingInvoice
	if err := r.db.WithContext(ctx).First(&invoice, id).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

// GetByRemoteID retrieves an invoice by its gateway id
func (r *invoiceRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.BillingInvoice, error) {
	var invoice models.BillingInvoice
	if err := r.db.WithContext(ctx).Where("remote_id = ?", remoteID).First(&invoice).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) MarkDeleted(ctx context.Context, remoteID string) error {
	return r.db.WithContext(ctx).Model(&models.BillingInvoice{}).
		Where("remote_id = ?", remoteID).
		Update("status", models.InvoiceDeleted).Error
}

func (r *invoiceRepository) ListBySubscription(ctx context.Context, subscriptionID uint) ([]models.BillingInvoice, error) {
	var invoices []models.BillingInvoice
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("period_start ASC, id ASC").
		Find(&invoices).Error
	return invoices, err
}
