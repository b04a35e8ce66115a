package models

import "time"

// BillingWebhookEvent is the append-only log of gateway notifications. Only the
// Refreshed, Processed and ArchivedAt columns change after insert.
type BillingWebhookEvent struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	EventID    string     `gorm:"type:varchar(191);not null;index" json:"event_id"`
	EventType  string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ObjectType string     `gorm:"type:varchar(50);not null;index:idx_billing_webhook_events_object,priority:1" json:"object_type"`
	ObjectID   string     `gorm:"type:varchar(191);not null;index:idx_billing_webhook_events_object,priority:2" json:"object_id"`
	AccountID  *string    `gorm:"type:varchar(191);default:null;index" json:"account_id,omitempty"`
	Payload    string     `gorm:"type:longtext;not null" json:"-"`
	Refreshed  bool       `gorm:"default:false" json:"refreshed"`
	Processed  bool       `gorm:"default:false;index:idx_billing_webhook_events_pending,priority:1" json:"processed"`
	ArchivedAt *time.Time `gorm:"type:timestamp;default:null" json:"archived_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index:idx_billing_webhook_events_pending,priority:2" json:"created_at"`
}

// Account returns the connected account id or "" for platform events.
func (e *BillingWebhookEvent) Account() string {
	if e.AccountID == nil {
		return ""
	}
	return *e.AccountID
}

// IsDeletion reports whether the event announces removal of the object.
func (e *BillingWebhookEvent) IsDeletion() bool {
	n := len(e.EventType)
	return n > len(".deleted") && e.EventType[n-len(".deleted"):] == ".deleted"
}
