package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dumende-payments/logging"
	"dumende-payments/models"
	"dumende-payments/monitoring"
)

var (
	// ErrInitiationRejected marks a 3DS initiation the backend refused.
	ErrInitiationRejected = errors.New("payment initiation rejected")
	// ErrInconsistentStatus marks a status snapshot with paidAmount > totalAmount.
	ErrInconsistentStatus = errors.New("inconsistent booking payment status")
)

// InitiationError carries the backend's message for a rejected initiation
type InitiationError struct {
	Message string
}

func (e *InitiationError) Error() string {
	if e.Message == "" {
		return ErrInitiationRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInitiationRejected, e.Message)
}

func (e *InitiationError) Unwrap() error {
	return ErrInitiationRejected
}

// BackendError is a non-2xx answer from the booking backend
type BackendError struct {
	Endpoint   string
	StatusCode int
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("booking backend %s returned status %d", e.Endpoint, e.StatusCode)
}

type authKey struct{}

// WithAuthorization attaches the caller's Authorization header value so
// backend calls are made on the user's behalf.
func WithAuthorization(ctx context.Context, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, authKey{}, value)
}

// Authorization returns the value attached by WithAuthorization
func Authorization(ctx context.Context) string {
	auth, _ := ctx.Value(authKey{}).(string)
	return auth
}

// BackendClient talks to the booking backend payment endpoints
type BackendClient struct {
	tracer  trace.Tracer
	baseURL string
	client  *http.Client
}

// NewBackendClient creates a client for baseURL with an instrumented transport
func NewBackendClient(tracer trace.Tracer, baseURL string, timeout time.Duration) *BackendClient {
	return &BackendClient{
		tracer:  tracer,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

// InitializeThreeDS opens a 3DS payment attempt. A refused attempt is
// returned as *InitiationError.
func (c *BackendClient) InitializeThreeDS(ctx context.Context, req *models.InitializeRequest) (*models.InitializeResponse, error) {
	ctx, span := c.tracer.Start(ctx, "initialize_3ds")
	defer span.End()

	span.SetAttributes(
		attribute.String("booking.id", req.BookingID),
		attribute.Int("payment.installment", req.Installment),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var resp models.InitializeResponse
	status, err := c.do(ctx, http.MethodPost, "initialize", "/payments/3ds/initialize", nil, body, &resp)
	if err != nil {
		var backendErr *BackendError
		if errors.As(err, &backendErr) && resp.ErrorMessage != "" {
			err = &InitiationError{Message: resp.ErrorMessage}
		}
		c.recordInitiation(ctx, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "initiation failed")
		return nil, err
	}

	if !resp.Succeeded() || resp.PaymentID == "" || resp.ThreeDSHTMLContent == "" {
		msg := resp.ErrorMessage
		if msg == "" && resp.Succeeded() {
			msg = "incomplete 3DS initiation response"
		}
		c.recordInitiation(ctx, "rejected")
		span.SetAttributes(attribute.String("payment.status", resp.Status), attribute.Int("http.status", status))
		return nil, &InitiationError{Message: msg}
	}

	c.recordInitiation(ctx, "success")
	span.SetAttributes(
		attribute.String("payment.id", resp.PaymentID),
		attribute.String("payment.conversation_id", resp.ConversationID),
	)
	logging.WithTraceContext(span).Info("3DS attempt opened",
		zap.String("booking_id", req.BookingID),
		zap.String("payment_id", resp.PaymentID),
	)
	return &resp, nil
}

// SendCallback delivers the supplementary callback signal
func (c *BackendClient) SendCallback(ctx context.Context, req models.CallbackRequest) error {
	ctx, span := c.tracer.Start(ctx, "payment_callback")
	defer span.End()

	span.SetAttributes(
		attribute.String("booking.id", req.BookingID),
		attribute.String("payment.id", req.PaymentID),
		attribute.String("payment.return_status", req.Status),
	)

	query := url.Values{}
	query.Set("bookingId", req.BookingID)
	query.Set("conversationId", req.ConversationID)
	query.Set("paymentId", req.PaymentID)
	query.Set("status", req.Status)

	if _, err := c.do(ctx, http.MethodGet, "callback", "/payments/callback", query, nil, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		return err
	}
	return nil
}

// CallbackStatus fetches the lightweight reconciliation status
func (c *BackendClient) CallbackStatus(ctx context.Context, bookingID string) (*models.CallbackStatus, error) {
	ctx, span := c.tracer.Start(ctx, "payment_callback_status")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID))

	query := url.Values{}
	query.Set("bookingId", bookingID)

	var status models.CallbackStatus
	if _, err := c.do(ctx, http.MethodGet, "callback_status", "/payments/callback/status", query, nil, &status); err != nil {
		span.RecordError(err)
		return nil, err
	}
	status.PaymentStatus = status.PaymentStatus.Normalize()
	span.SetAttributes(attribute.String("payment.status", string(status.PaymentStatus)))
	return &status, nil
}

// BookingStatus fetches the full booking payment status
func (c *BackendClient) BookingStatus(ctx context.Context, bookingID string) (*models.BookingPaymentStatus, error) {
	ctx, span := c.tracer.Start(ctx, "booking_payment_status")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID))

	var status models.BookingPaymentStatus
	if _, err := c.do(ctx, http.MethodGet, "booking_status", "/payments/"+url.PathEscape(bookingID), nil, nil, &status); err != nil {
		span.RecordError(err)
		return nil, err
	}
	status.PaymentStatus = status.PaymentStatus.Normalize()
	if status.PaidAmount.GreaterThan(status.TotalAmount) {
		err := fmt.Errorf("%w: booking %s paid %s of %s", ErrInconsistentStatus, bookingID, status.PaidAmount, status.TotalAmount)
		span.RecordError(err)
		return nil, err
	}
	return &status, nil
}

// BinCheck looks up card metadata and installment prices for a BIN
func (c *BackendClient) BinCheck(ctx context.Context, bin, amount string) (*models.BinInfo, error) {
	ctx, span := c.tracer.Start(ctx, "bin_check")
	defer span.End()

	query := url.Values{}
	query.Set("bin", bin)
	if amount != "" {
		query.Set("amount", amount)
	}

	var info models.BinInfo
	if _, err := c.do(ctx, http.MethodGet, "bin_check", "/payments/bin-check", query, nil, &info); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &info, nil
}

// do performs one backend call. On a non-2xx answer it still decodes a JSON
// body into out so callers can read error messages.
func (c *BackendClient) do(ctx context.Context, method, endpoint, path string, query url.Values, body []byte, out any) (int, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth := Authorization(ctx); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		c.recordCall(ctx, endpoint, "error", duration)
		return 0, fmt.Errorf("call booking backend %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok {
		c.recordCall(ctx, endpoint, "success", duration)
	} else {
		c.recordCall(ctx, endpoint, "failed", duration)
	}

	if out != nil {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil && ok {
			return resp.StatusCode, fmt.Errorf("read %s response: %w", endpoint, readErr)
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, out); err != nil && ok {
				return resp.StatusCode, fmt.Errorf("decode %s response: %w", endpoint, err)
			}
		}
	}

	if !ok {
		return resp.StatusCode, &BackendError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func (c *BackendClient) recordCall(ctx context.Context, endpoint, status string, seconds float64) {
	monitoring.BackendCallDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

func (c *BackendClient) recordInitiation(ctx context.Context, result string) {
	monitoring.InitiationCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}
