package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
)

// rentalAgreementRepository implements the RentalAgreementRepository interface
type rentalAgreementRepository struct {
	db *gorm.DB
}

// NewRentalAgreementRepository creates a new rental agreement repository instance
func NewRentalAgreementRepository(db *gorm.DB) RentalAgreementRepository {
	return &rentalAgreementRepository{db: db}
}

// GetByID retrieves an agreement with its airport and customer
func (r *rentalAgreementRepository) GetByID(ctx context.Context, id uint) (*models.RentalAgreement, error) {
	var ra models.RentalAgreement
	err := r.db.WithContext(ctx).
		Preload("Airport").
		Preload("Customer").
		First(&ra, id).Error
	if err != nil {
		return nil, err
	}
	return &ra, nil
}

// ListActiveByAirport retrieves the agreements of an airport covering day
func (r *rentalAgreementRepository) ListActiveByAirport(ctx context.Context, airportID uint, day time.Time) ([]models.RentalAgreement, error) {
	var list []models.RentalAgreement
	err := r.db.WithContext(ctx).
		Preload("Airport").
		Preload("Customer").
		Where("airport_id = ? AND start_date <= ? AND (end_date IS NULL OR end_date >= ?)", airportID, day, day).
		Order("id ASC").
		Find(&list).Error
	return list, err
}

func (r *rentalAgreementRepository) SetCustomer(ctx context.Context, agreementID, customerID uint) error {
	return r.db.WithContext(ctx).Model(&models.RentalAgreement{}).
		Where("id = ?", agreementID).
		Update("customer_id", customerID).Error
}
