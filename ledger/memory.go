package ledger

import (
	"context"
	"sync"
	"time"

	"dumende-payments/models"
)

type attemptKey struct {
	session   string
	bookingID string
}

type markerKey struct {
	session   string
	bookingID string
	paymentID string
}

// MemoryLedger is a process-local Ledger. It survives navigation but not a
// restart of the service.
type MemoryLedger struct {
	mu       sync.Mutex
	attempts map[attemptKey]models.PaymentAttempt
	markers  map[markerKey]time.Time
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		attempts: make(map[attemptKey]models.PaymentAttempt),
		markers:  make(map[markerKey]time.Time),
		now:      time.Now,
	}
}

func (l *MemoryLedger) SaveAttempt(_ context.Context, session string, attempt models.PaymentAttempt) error {
	if err := validateAttempt(attempt); err != nil {
		return err
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[attemptKey{session, attempt.BookingID}] = attempt
	return nil
}

func (l *MemoryLedger) Attempt(_ context.Context, session, bookingID string) (models.PaymentAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	attempt, ok := l.attempts[attemptKey{session, bookingID}]
	if !ok {
		return models.PaymentAttempt{}, ErrNotFound
	}
	return attempt, nil
}

func (l *MemoryLedger) CloseAttempt(_ context.Context, session, bookingID, paymentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := attemptKey{session, bookingID}
	if attempt, ok := l.attempts[key]; ok && attempt.PaymentID == paymentID {
		delete(l.attempts, key)
	}
	return nil
}

func (l *MemoryLedger) MarkCallbackSent(_ context.Context, session, bookingID, paymentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := markerKey{session, bookingID, paymentID}
	if _, ok := l.markers[key]; ok {
		return false, nil
	}
	l.markers[key] = l.now()
	return true, nil
}

func (l *MemoryLedger) CallbackSent(_ context.Context, session, bookingID, paymentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.markers[markerKey{session, bookingID, paymentID}]
	return ok, nil
}

func (l *MemoryLedger) Sweep(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int64
	for key, attempt := range l.attempts {
		if attempt.CreatedAt.Before(cutoff) {
			delete(l.attempts, key)
			removed++
		}
	}
	for key, sentAt := range l.markers {
		if sentAt.Before(cutoff) {
			delete(l.markers, key)
			removed++
		}
	}
	return removed, nil
}

func (l *MemoryLedger) Close() error {
	return nil
}
