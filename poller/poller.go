// Package poller reconciles a booking's payment status with the backend
// after the 3DS return, with a bounded number of attempts.
package poller

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"dumende-payments/logging"
	"dumende-payments/models"
	"dumende-payments/monitoring"
)

// State of a reconciliation run
type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateExhausted State = "exhausted"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the run has stopped
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateExhausted, StateCancelled:
		return true
	}
	return false
}

// StatusSource is the part of the booking backend the poller reads
type StatusSource interface {
	CallbackStatus(ctx context.Context, bookingID string) (*models.CallbackStatus, error)
	BookingStatus(ctx context.Context, bookingID string) (*models.BookingPaymentStatus, error)
}

// Config bounds a run
type Config struct {
	MaxRetries    int
	RetryInterval time.Duration
	// GraceDelay lets gateway-to-backend settlement land before the first attempt.
	GraceDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryInterval: 4 * time.Second,
		GraceDelay:    2 * time.Second,
	}
}

// Update is emitted on every transition of a run
type Update struct {
	State      State
	Attempt    int
	MaxRetries int
	LastStatus models.PaymentStatus
	Message    string
	// Status is the full snapshot fetched once the run succeeded or failed.
	Status *models.BookingPaymentStatus
	// Unknown is set when the budget ran out without a single answer.
	Unknown bool
	Err     error
}

// Poller runs reconciliation against a StatusSource
type Poller struct {
	source StatusSource
	cfg    Config
}

func New(source StatusSource, cfg Config) *Poller {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Poller{source: source, cfg: cfg}
}

// Run polls until the status is terminal, the budget is spent or ctx is
// cancelled. observe is called synchronously for each transition and never
// after cancellation. skipGrace drops the initial grace delay, used when the
// navigation carries an explicit retry marker or the user asked to check again.
func (p *Poller) Run(ctx context.Context, bookingID string, skipGrace bool, observe func(Update)) Update {
	logger := logging.FromContext(ctx).With(zap.String("booking_id", bookingID))
	emit := func(u Update) Update {
		u.MaxRetries = p.cfg.MaxRetries
		if ctx.Err() != nil {
			return Update{State: StateCancelled, Attempt: u.Attempt, MaxRetries: p.cfg.MaxRetries}
		}
		if observe != nil {
			observe(u)
		}
		return u
	}

	current := emit(Update{State: StatePolling})
	if current.State == StateCancelled {
		return current
	}

	grace := p.cfg.GraceDelay
	if skipGrace {
		grace = 0
	}
	if !sleep(ctx, grace) {
		return Update{State: StateCancelled, MaxRetries: p.cfg.MaxRetries}
	}

	schedule := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.RetryInterval), uint64(p.cfg.MaxRetries-1))
	var (
		lastErr  error
		answered bool
		last     models.PaymentStatus
		message  string
	)

	for attempt := 1; ; attempt++ {
		status, err := p.source.CallbackStatus(ctx, bookingID)
		if ctx.Err() != nil {
			return Update{State: StateCancelled, Attempt: attempt, MaxRetries: p.cfg.MaxRetries}
		}

		switch {
		case err != nil:
			lastErr = err
			p.recordAttempt(ctx, "error")
			logger.Warn("Status poll failed", zap.Int("attempt", attempt), zap.Error(err))
		case classify(status) == StateSucceeded, classify(status) == StateFailed:
			outcome := classify(status)
			p.recordAttempt(ctx, string(outcome))
			final := Update{
				State:      outcome,
				Attempt:    attempt,
				LastStatus: status.PaymentStatus,
				Message:    status.Message,
			}
			full, err := p.source.BookingStatus(ctx, bookingID)
			if ctx.Err() != nil {
				return Update{State: StateCancelled, Attempt: attempt, MaxRetries: p.cfg.MaxRetries}
			}
			if err != nil {
				logger.Warn("Final status refresh failed", zap.Error(err))
				final.Err = err
			} else {
				final.Status = full
			}
			p.recordOutcome(ctx, outcome)
			logger.Info("Payment status reconciled",
				zap.String("state", string(outcome)),
				zap.String("payment_status", string(status.PaymentStatus)),
				zap.Int("attempt", attempt),
			)
			return emit(final)
		default:
			answered = true
			last = status.PaymentStatus
			message = status.Message
			lastErr = nil
			p.recordAttempt(ctx, "pending")
		}

		next := schedule.NextBackOff()
		if next == backoff.Stop {
			final := Update{
				State:      StateExhausted,
				Attempt:    attempt,
				LastStatus: last,
				Message:    message,
				Unknown:    !answered,
				Err:        lastErr,
			}
			p.recordOutcome(ctx, StateExhausted)
			logger.Warn("Status polling exhausted", zap.Int("attempts", attempt), zap.Bool("unknown", !answered))
			return emit(final)
		}

		current = emit(Update{State: StatePolling, Attempt: attempt, LastStatus: last, Message: message, Err: lastErr})
		if current.State == StateCancelled {
			return current
		}
		if !sleep(ctx, next) {
			return Update{State: StateCancelled, Attempt: attempt, MaxRetries: p.cfg.MaxRetries}
		}
	}
}

func classify(status *models.CallbackStatus) State {
	switch {
	case status.PaymentStatus.IsSuccess():
		return StateSucceeded
	case status.PaymentStatus.IsFailure():
		return StateFailed
	case status.PaymentStatus == "" && status.IsComplete && !status.IsPending:
		return StateSucceeded
	default:
		return StatePolling
	}
}

// sleep waits for d unless ctx ends first; it reports whether to continue
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Poller) recordAttempt(ctx context.Context, result string) {
	monitoring.PollAttemptCounter.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

func (p *Poller) recordOutcome(ctx context.Context, state State) {
	monitoring.OutcomeCounter.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(
			attribute.String("outcome", string(state)),
			attribute.String("source", "poll"),
		),
	)
}
