// Package ledger keeps in-flight 3DS payment identifiers across the bank
// redirect. Entries are scoped to a checkout session and keyed by booking.
package ledger

import (
	"context"
	"errors"
	"time"

	"dumende-payments/models"
)

var (
	// ErrNotFound is returned when no attempt is recorded for a booking.
	ErrNotFound = errors.New("ledger: attempt not found")
	// ErrIncompleteAttempt is returned when an attempt lacks one of its identifiers.
	ErrIncompleteAttempt = errors.New("ledger: attempt requires booking and payment ids")
)

// Ledger is the durable, session-scoped record of payment attempts and
// callback-sent markers.
type Ledger interface {
	// SaveAttempt stores the attempt for its booking, replacing any earlier one.
	// PaymentID and ConversationID are written together or not at all.
	SaveAttempt(ctx context.Context, session string, attempt models.PaymentAttempt) error
	Attempt(ctx context.Context, session, bookingID string) (models.PaymentAttempt, error)
	// CloseAttempt removes the attempt only while it still carries paymentID,
	// so a superseding attempt is left alone.
	CloseAttempt(ctx context.Context, session, bookingID, paymentID string) error
	// MarkCallbackSent sets the marker for (bookingID, paymentID) and reports
	// whether this call was the one that set it.
	MarkCallbackSent(ctx context.Context, session, bookingID, paymentID string) (bool, error)
	CallbackSent(ctx context.Context, session, bookingID, paymentID string) (bool, error)
	// Sweep drops attempts and markers recorded before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

func validateAttempt(attempt models.PaymentAttempt) error {
	if attempt.BookingID == "" || attempt.PaymentID == "" {
		return ErrIncompleteAttempt
	}
	return nil
}
