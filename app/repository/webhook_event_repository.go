package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"gorm.io/gorm"
)

// webhookEventRepository implements the WebhookEventRepository interface
type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new webhook event repository instance
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// Create inserts a new event row. Duplicate deliveries get their own row.
func (r *webhookEventRepository) Create(ctx context.Context, event *models.BillingWebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// GetByID retrieves an event by its ID
func (r *webhookEventRepository) GetByID(ctx context.Context, id uint) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	err := r.db.WithContext(ctx).First(&event, id).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *webhookEventRepository) MarkRefreshed(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("id = ?", id).
		Update("refreshed", true).Error
}

func (r *webhookEventRepository) MarkProcessed(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"refreshed": true, "processed": true}).Error
}

func (r *webhookEventRepository) MarkIgnored(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("id = ?", id).
		Update("processed", true).Error
}

func (r *webhookEventRepository) MarkArchived(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("id = ? AND archived_at IS NULL", id).
		Update("archived_at", at).Error
}

// ListUnprocessed retrieves pending events oldest first
func (r *webhookEventRepository) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]models.BillingWebhookEvent, error) {
	var events []models.BillingWebhookEvent
	q := r.db.WithContext(ctx).
		Where("processed = ? AND created_at <= ?", false, olderThan).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}
