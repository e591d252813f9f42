package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"dumende-payments/models"
)

type scripted struct {
	err    error
	status models.PaymentStatus
}

type fakeSource struct {
	mu            sync.Mutex
	script        []scripted
	statusCalls   int
	bookingCalls  int
	onStatusCall  func(n int)
	bookingStatus *models.BookingPaymentStatus
}

func (f *fakeSource) CallbackStatus(ctx context.Context, bookingID string) (*models.CallbackStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	n := f.statusCalls
	step := f.script[len(f.script)-1]
	if n <= len(f.script) {
		step = f.script[n-1]
	}
	hook := f.onStatusCall
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if step.err != nil {
		return nil, step.err
	}
	return &models.CallbackStatus{
		BookingID:     bookingID,
		PaymentStatus: step.status,
		IsComplete:    step.status.IsTerminal(),
		IsPending:     !step.status.IsTerminal(),
	}, nil
}

func (f *fakeSource) BookingStatus(ctx context.Context, bookingID string) (*models.BookingPaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookingCalls++
	if f.bookingStatus != nil {
		return f.bookingStatus, nil
	}
	return &models.BookingPaymentStatus{BookingID: bookingID, PaymentStatus: models.PaymentStatusCompleted}, nil
}

func (f *fakeSource) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.bookingCalls
}

func fastConfig() Config {
	return Config{MaxRetries: 3, RetryInterval: time.Millisecond, GraceDelay: time.Millisecond}
}

func collect() (func(Update), func() []Update) {
	var mu sync.Mutex
	var updates []Update
	return func(u Update) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		}, func() []Update {
			mu.Lock()
			defer mu.Unlock()
			return append([]Update(nil), updates...)
		}
}

func TestRun_PendingThenCompleted(t *testing.T) {
	src := &fakeSource{
		script: []scripted{
			{status: models.PaymentStatusPending},
			{status: models.PaymentStatusPending},
			{status: models.PaymentStatusCompleted},
		},
		bookingStatus: &models.BookingPaymentStatus{
			BookingID:     "b1",
			PaymentStatus: models.PaymentStatusCompleted,
			TotalAmount:   decimal.RequireFromString("1500"),
			PaidAmount:    decimal.RequireFromString("1500"),
		},
	}
	observe, updates := collect()

	final := New(src, fastConfig()).Run(context.Background(), "b1", false, observe)

	require.Equal(t, StateSucceeded, final.State)
	require.Equal(t, 3, final.Attempt)
	require.NotNil(t, final.Status)
	require.True(t, final.Status.PaidAmount.Equal(decimal.RequireFromString("1500")))

	statusCalls, bookingCalls := src.calls()
	require.Equal(t, 3, statusCalls)
	require.Equal(t, 1, bookingCalls)

	got := updates()
	require.Equal(t, StatePolling, got[0].State)
	require.Equal(t, StateSucceeded, got[len(got)-1].State)
	for _, u := range got[:len(got)-1] {
		require.Equal(t, StatePolling, u.State)
		require.Equal(t, 3, u.MaxRetries)
	}
}

func TestRun_AllErrorsExhaustsAsUnknown(t *testing.T) {
	boom := errors.New("connection refused")
	src := &fakeSource{script: []scripted{{err: boom}}}

	final := New(src, fastConfig()).Run(context.Background(), "b1", false, nil)

	require.Equal(t, StateExhausted, final.State)
	require.True(t, final.Unknown)
	require.ErrorIs(t, final.Err, boom)

	statusCalls, bookingCalls := src.calls()
	require.Equal(t, 3, statusCalls)
	require.Equal(t, 0, bookingCalls)
}

func TestRun_ContinuousPendingStopsAtBudget(t *testing.T) {
	src := &fakeSource{script: []scripted{{status: models.PaymentStatus("PROCESSING")}}}

	final := New(src, fastConfig()).Run(context.Background(), "b1", false, nil)

	require.Equal(t, StateExhausted, final.State)
	require.False(t, final.Unknown)
	require.Equal(t, models.PaymentStatus("PROCESSING"), final.LastStatus)
	statusCalls, _ := src.calls()
	require.Equal(t, 3, statusCalls)
}

func TestRun_ErrorsThenPendingIsNotUnknown(t *testing.T) {
	src := &fakeSource{script: []scripted{
		{err: errors.New("timeout")},
		{status: models.PaymentStatusPending},
		{err: errors.New("timeout")},
	}}

	final := New(src, fastConfig()).Run(context.Background(), "b1", false, nil)

	require.Equal(t, StateExhausted, final.State)
	require.False(t, final.Unknown)
}

func TestRun_TerminalFailureStopsImmediately(t *testing.T) {
	src := &fakeSource{
		script:        []scripted{{status: models.PaymentStatusFailed}},
		bookingStatus: &models.BookingPaymentStatus{BookingID: "b1", PaymentStatus: models.PaymentStatusFailed},
	}

	final := New(src, fastConfig()).Run(context.Background(), "b1", false, nil)

	require.Equal(t, StateFailed, final.State)
	require.Equal(t, 1, final.Attempt)
	statusCalls, bookingCalls := src.calls()
	require.Equal(t, 1, statusCalls)
	require.Equal(t, 1, bookingCalls)
}

func TestRun_PartialAndCancelledClassification(t *testing.T) {
	for status, want := range map[models.PaymentStatus]State{
		models.PaymentStatusPartial:   StateSucceeded,
		models.PaymentStatusCancelled: StateFailed,
	} {
		src := &fakeSource{script: []scripted{{status: status}}}
		final := New(src, fastConfig()).Run(context.Background(), "b1", true, nil)
		require.Equal(t, want, final.State, status)
	}
}

func TestRun_SkipGraceIgnoresDelay(t *testing.T) {
	cfg := fastConfig()
	cfg.GraceDelay = time.Hour
	src := &fakeSource{script: []scripted{{status: models.PaymentStatusCompleted}}}

	done := make(chan Update, 1)
	go func() { done <- New(src, cfg).Run(context.Background(), "b1", true, nil) }()

	select {
	case final := <-done:
		require.Equal(t, StateSucceeded, final.State)
	case <-time.After(5 * time.Second):
		t.Fatal("run waited for the grace delay")
	}
}

func TestRun_CancelDuringGraceMakesNoRequest(t *testing.T) {
	cfg := fastConfig()
	cfg.GraceDelay = time.Hour
	src := &fakeSource{script: []scripted{{status: models.PaymentStatusCompleted}}}
	observe, updates := collect()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Update, 1)
	go func() { done <- New(src, cfg).Run(ctx, "b1", false, observe) }()

	require.Eventually(t, func() bool { return len(updates()) == 1 }, time.Second, time.Millisecond)
	cancel()

	final := <-done
	require.Equal(t, StateCancelled, final.State)
	statusCalls, _ := src.calls()
	require.Equal(t, 0, statusCalls)
	require.Len(t, updates(), 1)
}

func TestRun_CancelledResultIsDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{
		script: []scripted{{status: models.PaymentStatusCompleted}},
		// cancel while the request is in flight; its answer must not surface
		onStatusCall: func(int) { cancel() },
	}
	observe, updates := collect()

	final := New(src, fastConfig()).Run(ctx, "b1", true, observe)

	require.Equal(t, StateCancelled, final.State)
	_, bookingCalls := src.calls()
	require.Equal(t, 0, bookingCalls)
	for _, u := range updates() {
		require.Equal(t, StatePolling, u.State)
	}
}

func TestNew_ClampsRetries(t *testing.T) {
	src := &fakeSource{script: []scripted{{status: models.PaymentStatusPending}}}
	final := New(src, Config{}).Run(context.Background(), "b1", true, nil)

	require.Equal(t, StateExhausted, final.State)
	statusCalls, _ := src.calls()
	require.Equal(t, 1, statusCalls)
}
