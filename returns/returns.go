// Package returns interprets the navigation back from the bank and sends the
// supplementary callback at most once per attempt.
package returns

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"dumende-payments/ledger"
	"dumende-payments/logging"
	"dumende-payments/models"
	"dumende-payments/monitoring"
)

// Kind classifies a return navigation
type Kind string

const (
	// KindNone means the navigation carried no return signal.
	KindNone Kind = "none"
	// KindIgnored means the signal belongs to another booking.
	KindIgnored   Kind = "ignored"
	KindSuccess   Kind = "success"
	KindFailure   Kind = "failure"
	KindAmbiguous Kind = "ambiguous"
)

const (
	defaultFailureMessage = "Payment could not be completed. Please try again."
	pendingStatus         = "pending"
)

// ReturnParams is the query of a return navigation
type ReturnParams struct {
	Status         string
	BookingID      string
	Error          string
	Retry          bool
	Start          string
	Amount         string
	PaymentID      string
	ConversationID string
}

func ParseReturn(q url.Values) ReturnParams {
	_, retry := q["retry"]
	return ReturnParams{
		Status:         strings.ToLower(strings.TrimSpace(q.Get("status"))),
		BookingID:      strings.TrimSpace(q.Get("bookingId")),
		Error:          q.Get("error"),
		Retry:          retry,
		Start:          q.Get("start"),
		Amount:         q.Get("amount"),
		PaymentID:      q.Get("paymentId"),
		ConversationID: q.Get("conversationId"),
	}
}

// HasSignal reports whether the navigation came back from a payment attempt
func (p ReturnParams) HasSignal() bool {
	return p.Status != "" || p.Error != "" || p.Retry
}

// StartThreeDS reports whether the navigation asks for a fresh card entry
func (p ReturnParams) StartThreeDS() bool {
	return p.Start == "3ds"
}

// Outcome is the interpreted return
type Outcome struct {
	Kind    Kind
	Message string
	// Retry asks the poller to skip its grace delay.
	Retry        bool
	Amount       string
	CallbackSent bool
}

// CallbackSender delivers the supplementary callback
type CallbackSender interface {
	SendCallback(ctx context.Context, req models.CallbackRequest) error
}

// Handler interprets returns against the ledger
type Handler struct {
	ledger ledger.Ledger
	sender CallbackSender
	logger *zap.Logger
}

func NewHandler(l ledger.Ledger, sender CallbackSender) *Handler {
	return &Handler{ledger: l, sender: sender, logger: logging.Named("returns")}
}

// Handle classifies the navigation for scopeBookingID and, when an attempt
// is on record, sends the supplementary callback unless this session already
// sent it. It is safe to call repeatedly and concurrently for the same return.
func (h *Handler) Handle(ctx context.Context, session, scopeBookingID string, p ReturnParams) Outcome {
	if !p.HasSignal() {
		return Outcome{Kind: KindNone}
	}
	if p.BookingID != "" && p.BookingID != scopeBookingID {
		h.logger.Debug("Ignoring return for another booking",
			zap.String("booking_id", scopeBookingID),
			zap.String("return_booking_id", p.BookingID),
		)
		return Outcome{Kind: KindIgnored}
	}

	out := Outcome{Retry: p.Retry, Amount: p.Amount}
	switch p.Status {
	case "success":
		out.Kind = KindSuccess
	case "failed", "error":
		out.Kind = KindFailure
		out.Message = p.Error
		if out.Message == "" {
			out.Message = defaultFailureMessage
		}
	default:
		out.Kind = KindAmbiguous
	}

	out.CallbackSent = h.sendCallbackOnce(ctx, session, scopeBookingID, p.Status)
	return out
}

func (h *Handler) sendCallbackOnce(ctx context.Context, session, bookingID, status string) bool {
	logger := h.logger.With(zap.String("booking_id", bookingID))

	attempt, err := h.ledger.Attempt(ctx, session, bookingID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false
	}
	if err != nil {
		logger.Error("Failed to read payment attempt", zap.Error(err))
		return false
	}

	won, err := h.ledger.MarkCallbackSent(ctx, session, bookingID, attempt.PaymentID)
	if err != nil {
		logger.Error("Failed to set callback marker", zap.Error(err))
		return false
	}
	if !won {
		h.record(ctx, "duplicate")
		return false
	}

	req := models.CallbackRequest{
		BookingID:      bookingID,
		ConversationID: attempt.ConversationID,
		PaymentID:      attempt.PaymentID,
		Status:         status,
	}
	if req.ConversationID == "" {
		req.ConversationID = bookingID
	}
	if req.Status == "" {
		req.Status = pendingStatus
	}

	if err := h.sender.SendCallback(ctx, req); err != nil {
		h.record(ctx, "error")
		logger.Warn("Supplementary callback failed",
			zap.String("payment_id", attempt.PaymentID),
			zap.Error(err),
		)
		return false
	}

	h.record(ctx, "sent")
	if err := h.ledger.CloseAttempt(ctx, session, bookingID, attempt.PaymentID); err != nil {
		logger.Warn("Failed to close payment attempt", zap.Error(err))
	}
	logger.Info("Supplementary callback sent",
		zap.String("payment_id", attempt.PaymentID),
		zap.String("status", req.Status),
	)
	return true
}

func (h *Handler) record(ctx context.Context, result string) {
	monitoring.CallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
