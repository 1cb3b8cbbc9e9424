package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// dedupTTL bounds the redis fast path; the database ledger is the durable record
const dedupTTL = 24 * time.Hour

// BillingEvent is the dedup ledger row for a delivered webhook event
type BillingEvent struct {
	StripeEventID string    `json:"stripeEventId" gorm:"primaryKey"`
	Type          string    `json:"type" gorm:"index"`
	Payload       []byte    `json:"payload"`
	Processed     bool      `json:"processed"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Ledger records delivered events so redeliveries are processed at most once.
// Redis answers the common case without a database round trip; the unique
// primary key is the durable guarantee.
type Ledger struct {
	db     *gorm.DB
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewLedger returns a new Ledger. rdb may be nil, in which case only the
// database is consulted.
func NewLedger(logger *zap.Logger, db *gorm.DB, rdb redis.UniversalClient) (*Ledger, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&BillingEvent{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize webhook.Ledger")
	}
	return &Ledger{
		db:     db,
		rdb:    rdb,
		logger: logger,
	}, nil
}

// FirstDelivery records the event and reports whether this is the first time
// it was seen
func (l *Ledger) FirstDelivery(ctx context.Context, event stripe.Event) (bool, error) {
	if l.rdb != nil {
		fresh, err := l.rdb.SetNX("billing_event:"+event.ID, 1, dedupTTL).Result()
		if err != nil {
			// redis being down only costs us the fast path
			l.logger.Warn("Redis dedup check failed",
				zap.Error(err),
			)
		} else if !fresh {
			return false, nil
		}
	}

	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&BillingEvent{
		StripeEventID: event.ID,
		Type:          event.Type,
		Payload:       event.Data.Raw,
	})
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot record billing event")
	}
	return result.RowsAffected > 0, nil
}

// MarkProcessed flags the event as handled
func (l *Ledger) MarkProcessed(ctx context.Context, stripeEventID string) error {
	result := l.db.WithContext(ctx).Model(&BillingEvent{}).
		Where("stripe_event_id = ?", stripeEventID).
		Update("processed", true)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot mark billing event processed")
	}
	return nil
}
