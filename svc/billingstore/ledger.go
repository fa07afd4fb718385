package billingstore

import (
	"context"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/pg"
)

// Ledger implements billing.Ledger on billing_webhook_events. Claims are
// taken with an insert that only overwrites a claim older than the lease.
type Ledger struct {
	db    DB
	lease time.Duration
	now   func() time.Time
}

var _ billing.Ledger = (*Ledger)(nil)

func NewLedger(db DB, lease time.Duration) *Ledger {
	if lease <= 0 {
		lease = billing.DefaultClaimLease
	}
	return &Ledger{db: db, lease: lease, now: time.Now}
}

func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := l.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_webhook_events WHERE event_id = $1 AND status = 'processed')`,
		eventID,
	).Scan(&seen)
	return seen, wrapLedger("seen", err)
}

func (l *Ledger) Claim(ctx context.Context, eventID string) (bool, error) {
	now := l.now()
	var id string
	err := l.db.QueryRow(ctx, `
INSERT INTO billing_webhook_events (event_id, status, claimed_at)
VALUES ($1, 'claimed', $2)
ON CONFLICT (event_id) DO UPDATE SET claimed_at = EXCLUDED.claimed_at
WHERE billing_webhook_events.status = 'claimed'
  AND billing_webhook_events.claimed_at < $3
RETURNING event_id`,
		eventID, now, now.Add(-l.lease),
	).Scan(&id)
	if pg.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapLedger("claim", err)
	}
	return true, nil
}

func (l *Ledger) Record(ctx context.Context, eventID string) error {
	now := l.now()
	_, err := l.db.Exec(ctx, `
INSERT INTO billing_webhook_events (event_id, status, claimed_at, processed_at)
VALUES ($1, 'processed', $2, $2)
ON CONFLICT (event_id) DO UPDATE SET status = 'processed', processed_at = EXCLUDED.processed_at`,
		eventID, now,
	)
	return wrapLedger("record", err)
}

func (l *Ledger) Release(ctx context.Context, eventID string) error {
	_, err := l.db.Exec(ctx,
		`DELETE FROM billing_webhook_events WHERE event_id = $1 AND status = 'claimed'`,
		eventID,
	)
	return wrapLedger("release", err)
}

func (l *Ledger) Sweep(ctx context.Context, before time.Time) (int64, error) {
	tag, err := l.db.Exec(ctx, `
DELETE FROM billing_webhook_events
WHERE (status = 'processed' AND processed_at < $1)
   OR (status = 'claimed' AND claimed_at < $2)`,
		before, l.now().Add(-l.lease),
	)
	if err != nil {
		return 0, wrapLedger("sweep", err)
	}
	return tag.RowsAffected(), nil
}
