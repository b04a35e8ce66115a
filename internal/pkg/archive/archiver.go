package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HangarLedger/app/models"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/jobqueue"
)

// Archiver writes one object per webhook event and stamps archived_at.
type Archiver struct {
	repos  *repository.Repositories
	api    ObjectAPI
	bucket string
	prefix string
	now    func() time.Time
}

func NewArchiver(repos *repository.Repositories, api ObjectAPI, bucket, prefix string) *Archiver {
	return &Archiver{
		repos:  repos,
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

// ObjectKey is <prefix>/YYYY/MM/DD/<row id>-<event id>.json, dated by receipt.
func (a *Archiver) ObjectKey(ev *models.BillingWebhookEvent) string {
	c := ev.CreatedAt.UTC()
	key := fmt.Sprintf("%04d/%02d/%02d/%d-%s.json", c.Year(), c.Month(), c.Day(), ev.ID, ev.EventID)
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

// Archive uploads the payload of a webhook event once. An object already in
// the bucket is not written again.
func (a *Archiver) Archive(ctx context.Context, eventID uint) error {
	ev, err := a.repos.WebhookEvents.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jobqueue.Permanent(fmt.Errorf("archive: webhook event %d not found", eventID))
		}
		return err
	}
	if ev.ArchivedAt != nil {
		return nil
	}

	key := a.ObjectKey(ev)
	found, err := exists(ctx, a.api, a.bucket, key)
	if err != nil {
		return err
	}
	if !found {
		body := []byte(ev.Payload)
		_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentType:   aws.String("application/json"),
			ContentLength: aws.Int64(int64(len(body))),
			Metadata: map[string]string{
				"event-id":   ev.EventID,
				"event-type": ev.EventType,
				"account-id": ev.Account(),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		log.Debugf("[Archive] Stored event %d at s3://%s/%s", ev.ID, a.bucket, key)
	}
	return a.repos.WebhookEvents.MarkArchived(ctx, ev.ID, a.now())
}

// HandleJob runs an archive_webhook_payload job.
func (a *Archiver) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.ArchivePayloadJobPayloadFromMap(job.Payload)
	if err != nil || payload.WebhookEventID == 0 {
		return jobqueue.Permanent(fmt.Errorf("bad archive payload %v: %v", job.Payload, err))
	}
	return a.Archive(ctx, payload.WebhookEventID)
}
