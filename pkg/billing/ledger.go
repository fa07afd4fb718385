package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Ledger remembers which events were fully handled.
//
// Claim is an atomic insert-if-absent of an in-flight marker; it returns false
// when the id is already recorded or claimed by another worker whose lease has
// not expired. Release drops an in-flight marker after a transient failure so
// the redelivery can take it. Record turns the marker into a processed entry
// that Seen reports until Sweep removes it.
type Ledger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Claim(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
	// Sweep deletes processed entries recorded before the cutoff and expired
	// claims. It returns the number of removed entries.
	Sweep(ctx context.Context, before time.Time) (int64, error)
}

// DefaultClaimLease bounds how long a crashed worker can block redelivery of
// an event it claimed.
const DefaultClaimLease = 2 * time.Minute

type ledgerEntry struct {
	processed bool
	at        time.Time
}

// MemoryLedger is a single-instance Ledger. It does not survive restarts.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	lease   time.Duration
	now     func() time.Time
}

// MemoryLedgerOption configures a MemoryLedger.
type MemoryLedgerOption func(*MemoryLedger)

func WithMemoryLedgerLease(d time.Duration) MemoryLedgerOption {
	return func(l *MemoryLedger) {
		if d > 0 {
			l.lease = d
		}
	}
}

// WithMemoryLedgerClock overrides the time source.
func WithMemoryLedgerClock(now func() time.Time) MemoryLedgerOption {
	return func(l *MemoryLedger) {
		if now != nil {
			l.now = now
		}
	}
}

func NewMemoryLedger(opts ...MemoryLedgerOption) *MemoryLedger {
	l := &MemoryLedger{
		entries: make(map[string]ledgerEntry),
		lease:   DefaultClaimLease,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[eventID]
	return ok && e.processed, nil
}

func (l *MemoryLedger) Claim(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[eventID]; ok {
		if e.processed || now.Sub(e.at) < l.lease {
			return false, nil
		}
	}
	l.entries[eventID] = ledgerEntry{at: now}
	return true, nil
}

func (l *MemoryLedger) Record(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[eventID] = ledgerEntry{processed: true, at: l.now()}
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[eventID]; ok && !e.processed {
		delete(l.entries, eventID)
	}
	return nil
}

func (l *MemoryLedger) Sweep(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var n int64
	for id, e := range l.entries {
		expired := e.processed && e.at.Before(before)
		staleClaim := !e.processed && now.Sub(e.at) >= l.lease
		if expired || staleClaim {
			delete(l.entries, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries, claims included.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RunSweeper deletes ledger entries older than retention every interval until
// ctx is done. It never blocks request handling: sweep failures are logged and
// retried on the next tick.
func RunSweeper(ctx context.Context, ledger Ledger, interval, retention time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logger.Discard()
	}
	log = log.With(logger.Component("ledger_sweeper"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.Sweep(ctx, time.Now().Add(-retention))
			if err != nil {
				log.ErrorContext(ctx, "ledger sweep failed", logger.Error(err))
				continue
			}
			if n > 0 {
				log.DebugContext(ctx, "ledger swept", "removed", n)
			}
		}
	}
}
