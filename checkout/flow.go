// Package checkout drives a booking's payment from card entry through the
// 3DS challenge to a reconciled result.
package checkout

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"dumende-payments/card"
	"dumende-payments/challenge"
	"dumende-payments/events"
	"dumende-payments/ledger"
	"dumende-payments/logging"
	"dumende-payments/models"
	"dumende-payments/monitoring"
	"dumende-payments/poller"
	"dumende-payments/returns"
	"dumende-payments/service"
)

// Step is the user-visible stage of a checkout
type Step string

const (
	StepCardInput    Step = "card-input"
	StepVerification Step = "3ds-verification"
	StepProcessing   Step = "processing"
	StepComplete     Step = "complete"
)

// ErrSubmitInFlight is returned for a submit while another one is running or
// the flow has already left card entry.
var ErrSubmitInFlight = errors.New("checkout: payment submission already in progress")

// ErrRelayRejected is returned when relay content does not belong to a
// challenge this flow rendered, or its token was already used.
var ErrRelayRejected = errors.New("checkout: relay content not issued by this session")

// initiationTimeout bounds an initiation that outlives its request
const initiationTimeout = 30 * time.Second

const (
	msgInitiationFailed = "Payment could not be started. Please try again."
	msgUnavailable      = "Payment service is unavailable. Please try again."
	msgPaymentFailed    = "Payment failed. Please try again."
	msgStillProcessing  = "Your payment is still being processed. Please check again shortly."
	msgStatusUnknown    = "Payment status unknown. Please check your bookings before trying again."
)

// Backend is what a flow needs from the booking backend
type Backend interface {
	InitializeThreeDS(ctx context.Context, req *models.InitializeRequest) (*models.InitializeResponse, error)
	poller.StatusSource
}

type ReturnHandler interface {
	Handle(ctx context.Context, session, bookingID string, p returns.ReturnParams) returns.Outcome
}

type Renderer interface {
	Render(content, paymentID, token string) (challenge.Result, error)
}

// Deps are shared by every flow of a Registry
type Deps struct {
	Backend   Backend
	Ledger    ledger.Ledger
	Returns   ReturnHandler
	Renderer  Renderer
	Publisher events.Publisher
}

type Options struct {
	Poll          poller.Config
	RedirectURL   string
	RedirectDelay time.Duration
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Poll == (poller.Config{}) {
		o.Poll = poller.DefaultConfig()
	}
	if o.RedirectURL == "" {
		o.RedirectURL = "/my-bookings"
	}
	if o.RedirectDelay == 0 {
		o.RedirectDelay = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Redirect is the navigation offered after a confirmed payment
type Redirect struct {
	URL     string        `json:"url"`
	After   time.Duration `json:"-"`
	AfterMS int64         `json:"afterMs"`
}

// Snapshot is the externally visible state of a flow
type Snapshot struct {
	BookingID  string       `json:"bookingId"`
	Step       Step         `json:"step"`
	Message    string       `json:"message,omitempty"`
	Submitting bool         `json:"submitting"`
	PollState  poller.State `json:"pollState"`
	Attempt    int          `json:"attempt"`
	MaxRetries int          `json:"maxRetries"`
	Unknown    bool         `json:"unknown"`
	Success    bool         `json:"success"`

	Status *models.BookingPaymentStatus `json:"status,omitempty"`
	// AmountHint comes from the return URL and is only shown while no
	// backend status is held.
	AmountHint string `json:"amountHint,omitempty"`

	PaymentURL    string    `json:"paymentUrl,omitempty"`
	CanRestart    bool      `json:"canRestart"`
	CanCheckAgain bool      `json:"canCheckAgain"`
	Redirect      *Redirect `json:"redirect,omitempty"`
	Version       uint64    `json:"version"`
}

// Flow is the checkout of one booking within one session
type Flow struct {
	session   string
	bookingID string
	deps      Deps
	opts      Options
	poller    *poller.Poller
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	step        Step
	submitting  bool
	message     string
	paymentID   string
	pollState   poller.State
	attempt     int
	unknown     bool
	success     bool
	status      *models.BookingPaymentStatus
	amountHint  string
	relayToken  string
	relayDigest string
	relayed     bool
	settled     poller.State
	pollGen     uint64
	stopPoll    context.CancelFunc
	lastSeen    time.Time
	version     uint64
	watchers    map[int]chan Snapshot
	nextWatcher int
	closed      bool
}

func newFlow(session, bookingID string, deps Deps, opts Options) *Flow {
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		session:   session,
		bookingID: bookingID,
		deps:      deps,
		opts:      opts,
		poller:    poller.New(deps.Backend, opts.Poll),
		logger:    logging.Named("checkout").With(zap.String("booking_id", bookingID)),
		ctx:       ctx,
		cancel:    cancel,
		step:      StepCardInput,
		pollState: poller.StateIdle,
		lastSeen:  opts.Now(),
		watchers:  make(map[int]chan Snapshot),
	}
}

func (f *Flow) BookingID() string { return f.bookingID }

// Submit validates the card and opens one 3DS attempt. The attempt is
// recorded in the ledger before the challenge is rendered.
func (f *Flow) Submit(ctx context.Context, in models.CardInput) (challenge.Result, error) {
	f.mu.Lock()
	if f.closed || f.submitting || f.step != StepCardInput {
		f.mu.Unlock()
		return challenge.Result{}, ErrSubmitInFlight
	}
	normalized, err := card.Validate(in, f.opts.Now())
	if err != nil {
		f.mu.Unlock()
		return challenge.Result{}, err
	}
	f.submitting = true
	f.message = ""
	f.settled = ""
	f.relayToken, f.relayDigest = "", ""
	f.touchLocked()
	f.notifyLocked()
	f.mu.Unlock()

	bin, _ := card.BIN(normalized.CardNumber)
	f.logger.Info("Submitting card for 3DS",
		zap.String("card", normalized.Masked()),
		zap.String("bin", bin),
		zap.Int("installment", normalized.Installment),
	)

	// The backend may open the attempt even if the client goes away, so the
	// call is not tied to the request.
	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initiationTimeout)
	defer cancel()

	resp, err := f.deps.Backend.InitializeThreeDS(initCtx, &models.InitializeRequest{
		BookingID:      f.bookingID,
		CardHolderName: normalized.CardHolderName,
		CardNumber:     normalized.CardNumber,
		ExpireMonth:    normalized.ExpireMonth,
		ExpireYear:     normalized.ExpireYear,
		CVC:            normalized.CVC,
		Installment:    normalized.Installment,
	})
	if err != nil {
		f.failSubmit(initiationMessage(err))
		f.logger.Warn("3DS initiation failed", zap.Error(err))
		return challenge.Result{}, err
	}

	err = f.deps.Ledger.SaveAttempt(context.WithoutCancel(ctx), f.session, models.PaymentAttempt{
		BookingID:      f.bookingID,
		PaymentID:      resp.PaymentID,
		ConversationID: resp.ConversationID,
		CreatedAt:      f.opts.Now(),
	})
	if err != nil {
		f.failSubmit(msgInitiationFailed)
		f.logger.Error("Failed to record payment attempt", zap.Error(err))
		return challenge.Result{}, err
	}

	token := uuid.NewString()
	result, err := f.deps.Renderer.Render(resp.ThreeDSHTMLContent, resp.PaymentID, token)
	if err != nil {
		f.failSubmit(msgInitiationFailed)
		f.logger.Error("Failed to render 3DS challenge", zap.String("payment_id", resp.PaymentID), zap.Error(err))
		return challenge.Result{}, err
	}
	if result.Fallback {
		f.logger.Warn("Serving 3DS challenge without relay", zap.String("payment_id", resp.PaymentID))
	}

	f.mu.Lock()
	f.submitting = false
	f.step = StepVerification
	f.paymentID = resp.PaymentID
	f.success = false
	f.unknown = false
	f.relayed = false
	if !result.Fallback {
		f.relayToken = token
		f.relayDigest = result.Digest
	}
	f.touchLocked()
	f.notifyLocked()
	f.mu.Unlock()
	return result, nil
}

func (f *Flow) failSubmit(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitting = false
	f.step = StepCardInput
	f.message = message
	f.notifyLocked()
}

func initiationMessage(err error) string {
	var rejected *service.InitiationError
	if errors.As(err, &rejected) {
		if rejected.Message != "" {
			return rejected.Message
		}
		return msgInitiationFailed
	}
	return msgUnavailable
}

// HandleReturn applies a page mount to the flow: start=3ds resets it, a
// return signal is interpreted and may start reconciliation.
func (f *Flow) HandleReturn(ctx context.Context, p returns.ReturnParams) Snapshot {
	if p.StartThreeDS() {
		f.Restart()
	}

	outcome := f.deps.Returns.Handle(ctx, f.session, f.bookingID, p)

	f.mu.Lock()
	f.touchLocked()
	if outcome.Amount != "" {
		f.amountHint = outcome.Amount
	}
	if f.closed || f.submitting {
		f.mu.Unlock()
		return f.Snapshot()
	}

	if outcome.Kind == returns.KindNone || outcome.Kind == returns.KindIgnored {
		f.mu.Unlock()
		return f.Snapshot()
	}
	// Remounts replay the same return; a settled success is not redone.
	if f.settled == poller.StateSucceeded {
		f.mu.Unlock()
		return f.Snapshot()
	}
	f.relayed = false

	switch outcome.Kind {
	case returns.KindSuccess:
		f.cancelPollLocked()
		f.settled = poller.StateSucceeded
		f.step = StepComplete
		f.success = true
		f.unknown = false
		f.message = ""
		f.notifyLocked()
		f.mu.Unlock()

		status, err := f.deps.Backend.BookingStatus(ctx, f.bookingID)
		if err != nil {
			f.logger.Warn("Failed to refresh payment status", zap.Error(err))
		} else {
			f.mu.Lock()
			f.status = status
			f.notifyLocked()
			f.mu.Unlock()
		}
		f.recordReturnOutcome(poller.StateSucceeded)
		f.publish(poller.StateSucceeded, "", status, false)

	case returns.KindFailure:
		if f.settled == poller.StateFailed && f.step == StepCardInput {
			f.mu.Unlock()
			return f.Snapshot()
		}
		f.cancelPollLocked()
		f.settled = poller.StateFailed
		f.step = StepCardInput
		f.success = false
		f.message = outcome.Message
		f.notifyLocked()
		f.mu.Unlock()
		f.recordReturnOutcome(poller.StateFailed)
		f.publish(poller.StateFailed, outcome.Message, nil, false)

	case returns.KindAmbiguous:
		f.step = StepProcessing
		f.startPollLocked(ctx, outcome.Retry)
		f.mu.Unlock()

	default:
		f.mu.Unlock()
	}
	return f.Snapshot()
}

// ClaimRelay consumes the relay token issued by the last Submit. markup must
// be the challenge rendered with that token. The flow then waits for the
// bank in the processing step.
func (f *Flow) ClaimRelay(token string, markup []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.relayToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(f.relayToken)) != 1 {
		return ErrRelayRejected
	}
	if challenge.Digest(markup) != f.relayDigest {
		return ErrRelayRejected
	}

	f.relayToken, f.relayDigest = "", ""
	if f.step == StepVerification {
		f.step = StepProcessing
		f.relayed = true
	}
	f.touchLocked()
	f.notifyLocked()
	return nil
}

// CheckAgain starts a fresh reconciliation run without the grace delay
func (f *Flow) CheckAgain(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.submitting {
		return ErrSubmitInFlight
	}
	if f.step != StepComplete {
		f.step = StepProcessing
	}
	f.touchLocked()
	f.startPollLocked(ctx, true)
	return nil
}

// Restart returns the flow to card entry, dropping any running poll
func (f *Flow) Restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.submitting {
		return
	}
	f.cancelPollLocked()
	f.step = StepCardInput
	f.message = ""
	f.success = false
	f.unknown = false
	f.relayed = false
	f.settled = ""
	f.relayToken, f.relayDigest = "", ""
	f.pollState = poller.StateIdle
	f.attempt = 0
	f.touchLocked()
	f.notifyLocked()
}

// startPollLocked runs the poller in the background. The run outlives the
// request in reqCtx but keeps its caller's authorization.
func (f *Flow) startPollLocked(reqCtx context.Context, skipGrace bool) {
	f.cancelPollLocked()
	f.pollGen++
	gen := f.pollGen

	ctx, cancel := context.WithCancel(service.WithAuthorization(f.ctx, service.Authorization(reqCtx)))
	f.stopPoll = cancel
	f.pollState = poller.StatePolling
	f.relayed = false
	f.attempt = 0
	f.unknown = false
	f.message = ""
	f.notifyLocked()

	go func() {
		defer cancel()
		final := f.poller.Run(ctx, f.bookingID, skipGrace, func(u poller.Update) {
			f.applyPoll(gen, u)
		})
		if final.State == poller.StateCancelled {
			return
		}
		f.publish(final.State, final.Message, final.Status, final.Unknown)
	}()
}

func (f *Flow) cancelPollLocked() {
	if f.stopPoll != nil {
		f.stopPoll()
		f.stopPoll = nil
	}
	f.pollGen++
	if f.pollState == poller.StatePolling {
		f.pollState = poller.StateCancelled
	}
}

func (f *Flow) applyPoll(gen uint64, u poller.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || gen != f.pollGen {
		return
	}

	f.pollState = u.State
	f.attempt = u.Attempt
	if u.Status != nil {
		f.status = u.Status
	}

	switch u.State {
	case poller.StateSucceeded:
		f.step = StepComplete
		f.success = true
		f.message = ""
		f.settled = poller.StateSucceeded
	case poller.StateFailed:
		f.step = StepCardInput
		f.settled = poller.StateFailed
		f.success = false
		f.message = u.Message
		if f.message == "" {
			f.message = msgPaymentFailed
		}
	case poller.StateExhausted:
		f.unknown = u.Unknown
		if u.Unknown {
			f.message = msgStatusUnknown
		} else {
			f.message = msgStillProcessing
		}
	}
	f.notifyLocked()
}

// recordReturnOutcome counts outcomes settled by the return itself; poll
// outcomes are counted by the poller.
func (f *Flow) recordReturnOutcome(state poller.State) {
	monitoring.OutcomeCounter.Add(context.WithoutCancel(f.ctx), 1, metric.WithAttributes(
		attribute.String("outcome", string(state)),
		attribute.String("source", "return"),
	))
}

func (f *Flow) publish(state poller.State, message string, status *models.BookingPaymentStatus, unknown bool) {
	event := events.OutcomeEvent{
		BookingID:  f.bookingID,
		Outcome:    string(state),
		Unknown:    unknown,
		Message:    message,
		OccurredAt: f.opts.Now().UTC(),
	}
	f.mu.Lock()
	event.PaymentID = f.paymentID
	f.mu.Unlock()
	if status != nil {
		event.PaymentStatus = string(status.PaymentStatus)
	}
	if err := f.deps.Publisher.Publish(context.WithoutCancel(f.ctx), event); err != nil {
		f.logger.Warn("Failed to publish outcome", zap.Error(err))
	}
}

// Snapshot returns the current state
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Flow) snapshotLocked() Snapshot {
	s := Snapshot{
		BookingID:     f.bookingID,
		Step:          f.step,
		Message:       f.message,
		Submitting:    f.submitting,
		PollState:     f.pollState,
		Attempt:       f.attempt,
		MaxRetries:    f.opts.Poll.MaxRetries,
		Unknown:       f.unknown,
		Success:       f.success,
		Status:        f.status,
		CanCheckAgain: !f.submitting,
		Version:       f.version,
	}
	if f.status == nil {
		s.AmountHint = f.amountHint
	} else {
		s.PaymentURL = f.status.PaymentURL
	}
	done := f.step == StepComplete && f.success
	s.CanRestart = !f.submitting && !done && !f.relayed
	if done {
		s.Redirect = &Redirect{
			URL:     f.opts.RedirectURL,
			After:   f.opts.RedirectDelay,
			AfterMS: f.opts.RedirectDelay.Milliseconds(),
		}
	}
	return s
}

// Watch streams snapshots after every change, starting with the current one.
// Slow watchers only see the latest snapshot. stop releases the watcher; it
// does not affect the flow.
func (f *Flow) Watch() (<-chan Snapshot, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextWatcher
	f.nextWatcher++
	f.watchers[id] = ch
	ch <- f.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if w, ok := f.watchers[id]; ok {
				delete(f.watchers, id)
				close(w)
			}
		})
	}
}

func (f *Flow) notifyLocked() {
	f.version++
	if len(f.watchers) == 0 {
		return
	}
	snap := f.snapshotLocked()
	for _, ch := range f.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (f *Flow) touchLocked() {
	f.lastSeen = f.opts.Now()
}

func (f *Flow) idleSince(cutoff time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen.Before(cutoff) && !f.submitting && f.pollState != poller.StatePolling
}

// Close tears the flow down: the running poll is cancelled and watchers are
// released. Late poll results are discarded.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.cancelPollLocked()
	f.closed = true
	f.cancel()
	for id, ch := range f.watchers {
		close(ch)
		delete(f.watchers, id)
	}
}
