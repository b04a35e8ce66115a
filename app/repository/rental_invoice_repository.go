package repository

import (
	"context"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// rentalInvoiceRepository implements the RentalInvoiceRepository interface
type rentalInvoiceRepository struct {
	db *gorm.DB
}

// NewRentalInvoiceRepository creates a new rental invoice repository instance
func NewRentalInvoiceRepository(db *gorm.DB) RentalInvoiceRepository {
	return &rentalInvoiceRepository{db: db}
}

// Create creates a new rental invoice in the database
func (r *rentalInvoiceRepository) Create(ctx context.Context, ri *models.RentalInvoice) error {
	return r.db.WithContext(ctx).Omit("Invoice").Create(ri).Error
}

// GetByID retrieves a rental invoice with its linked gateway invoice
func (r *rentalInvoiceRepository) GetByID(ctx context.Context, id uint) (*models.RentalInvoice, error) {
	var ri models.RentalInvoice
	if err := r.db.WithContext(ctx).Preload("Invoice").First(&ri, id).Error; err != nil {
		return nil, err
	}
	return &ri, nil
}

// GetByIDForUpdate is GetByID with SELECT ... FOR UPDATE on the rental row.
// Only meaningful inside a transaction.
func (r *rentalInvoiceRepository) GetByIDForUpdate(ctx context.Context, id uint) (*models.RentalInvoice, error) {
	var ri models.RentalInvoice
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&ri, id).Error
	if err != nil {
		return nil, err
	}
	if ri.InvoiceID != nil {
		var invoice models.BillingInvoice
		if err := r.db.WithContext(ctx).First(&invoice, *ri.InvoiceID).Error; err == nil {
			ri.Invoice = &invoice
		}
	}
	return &ri, nil
}

// Update saves the mutable ledger columns
func (r *rentalInvoiceRepository) Update(ctx context.Context, ri *models.RentalInvoice) error {
	return r.db.WithContext(ctx).Model(ri).
		Select("invoice_id", "amount_charged", "amount_paid", "status_code", "payment_method_code", "date_paid", "invoice_number", "updated_at").
		Updates(ri).Error
}

func (r *rentalInvoiceRepository) GetByInvoiceID(ctx context.Context, invoiceID uint) (*models.RentalInvoice, error) {
	var ri models.RentalInvoice
	if err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&ri).Error; err != nil {
		return nil, err
	}
	return &ri, nil
}

// ListByAgreement retrieves the ledger of an agreement ordered by period
func (r *rentalInvoiceRepository) ListByAgreement(ctx context.Context, agreementID uint) ([]models.RentalInvoice, error) {
	var list []models.RentalInvoice
	err := r.db.WithContext(ctx).
		Preload("Invoice").
		Where("rental_agreement_id = ?", agreementID).
		Order("period_start_date ASC, id ASC").
		Find(&list).Error
	return list, err
}
