package repository

import (
	"context"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
)

// airportRepository implements the AirportRepository interface
type airportRepository struct {
	db *gorm.DB
}

// NewAirportRepository creates a new airport repository instance
func NewAirportRepository(db *gorm.DB) AirportRepository {
	return &airportRepository{db: db}
}

// GetByID retrieves an airport by its ID
func (r *airportRepository) GetByID(ctx context.Context, id uint) (*models.Airport, error) {
	var airport models.Airport
	if err := r.db.WithContext(ctx).First(&airport, id).Error; err != nil {
		return nil, err
	}
	return &airport, nil
}

// GetByRemoteAccountID retrieves the airport owning a connected account
func (r *airportRepository) GetByRemoteAccountID(ctx context.Context, accountID string) (*models.Airport, error) {
	var airport models.Airport
	if err := r.db.WithContext(ctx).Where("remote_account_id = ?", accountID).First(&airport).Error; err != nil {
		return nil, err
	}
	return &airport, nil
}

// List retrieves all airports
func (r *airportRepository) List(ctx context.Context) ([]models.Airport, error) {
	var airports []models.Airport
	err := r.db.WithContext(ctx).Order("id ASC").Find(&airports).Error
	return airports, err
}
