package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dumende-payments/card"
	"dumende-payments/challenge"
	"dumende-payments/checkout"
	"dumende-payments/logging"
	"dumende-payments/models"
	"dumende-payments/returns"
	"dumende-payments/service"
)

const binLookupWait = 2 * time.Second

// PaymentHandler handles HTTP requests for booking checkouts
type PaymentHandler struct {
	registry *checkout.Registry
	enricher *card.Enricher
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(registry *checkout.Registry, enricher *card.Enricher) *PaymentHandler {
	return &PaymentHandler{
		registry: registry,
		enricher: enricher,
	}
}

// Register mounts the checkout routes. The relay lives outside the booking
// tree at relayPath.
func (h *PaymentHandler) Register(r gin.IRouter, relayPath string) {
	r.GET("/health", h.HealthCheck)

	booking := r.Group("/bookings/:bookingId/payment")
	booking.GET("", h.PaymentPage)
	booking.POST("/card", h.SubmitCard)
	booking.GET("/bin", h.BinLookup)
	booking.POST("/check", h.CheckAgain)
	booking.GET("/events", h.Events)

	r.POST(relayPath, h.Relay)
}

func (h *PaymentHandler) flow(c *gin.Context) *checkout.Flow {
	bookingID := c.Param("bookingId")
	trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("booking.id", bookingID))
	return h.registry.Flow(sessionID(c), bookingID)
}

// PaymentPage runs on every mount of the payment page. It applies a return
// from the bank when the query carries one and answers with the flow state.
func (h *PaymentHandler) PaymentPage(c *gin.Context) {
	flow := h.flow(c)
	snap := flow.HandleReturn(c.Request.Context(), returns.ParseReturn(c.Request.URL.Query()))
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, snap)
}

// SubmitCard starts the 3DS challenge and answers with the page that takes
// the browser to the bank.
func (h *PaymentHandler) SubmitCard(c *gin.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContext(ctx)

	var in models.CardInput
	if err := c.ShouldBind(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	flow := h.flow(c)
	result, err := flow.Submit(ctx, in)
	if err != nil {
		var invalid card.ValidationErrors
		switch {
		case errors.As(err, &invalid):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid card details", "fields": invalid})
		case errors.Is(err, checkout.ErrSubmitInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": "payment already in progress"})
		case errors.Is(err, service.ErrInitiationRejected):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": flow.Snapshot().Message})
		default:
			logging.WithTraceContext(span).Error("Payment initiation failed",
				zap.Error(err),
				zap.String("booking_id", flow.BookingID()),
			)
			c.JSON(http.StatusBadGateway, gin.H{"error": flow.Snapshot().Message})
		}
		return
	}

	span.AddEvent("threeds_challenge_rendered", trace.WithAttributes(
		attribute.Bool("fallback", result.Fallback),
		attribute.Int("forms_injected", result.FormsInjected),
	))
	policy := challenge.RelayPagePolicy
	if result.Fallback {
		policy = challenge.ChallengePolicy
	}
	c.Header("Content-Security-Policy", policy)
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8", result.Page)
}

type binResponse struct {
	*models.BinInfo
	Selected *models.InstallmentPrice `json:"selectedInstallment,omitempty"`
}

// BinLookup returns card metadata for the typed prefix, or 204 when there
// is nothing to show in time. An installments query selects a plan row.
func (h *PaymentHandler) BinLookup(c *gin.Context) {
	var info *models.BinInfo
	select {
	case info = <-h.enricher.Prefetch(c.Request.Context(), c.Query("bin"), c.Query("amount")):
	case <-time.After(binLookupWait):
	}
	if info == nil {
		c.Status(http.StatusNoContent)
		return
	}

	resp := binResponse{BinInfo: info}
	if n, err := strconv.Atoi(c.Query("installments")); err == nil {
		if price, ok := card.PriceFor(info, n); ok {
			resp.Selected = &price
		}
	}
	c.JSON(http.StatusOK, resp)
}

// CheckAgain starts a manual status check
func (h *PaymentHandler) CheckAgain(c *gin.Context) {
	flow := h.flow(c)
	if err := flow.CheckAgain(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "payment already in progress"})
		return
	}
	c.JSON(http.StatusAccepted, flow.Snapshot())
}

// Events streams flow snapshots as server-sent events until the client goes
// away or the payment is confirmed.
func (h *PaymentHandler) Events(c *gin.Context) {
	flow := h.flow(c)
	updates, stop := flow.Watch()
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			c.SSEvent("payment-update", snap)
			c.Writer.Flush()
			if snap.Redirect != nil {
				return
			}
		}
	}
}

// Relay serves the challenge document posted by the relay page from this
// origin. Only the markup rendered for the session's pending token is
// served, once.
func (h *PaymentHandler) Relay(c *gin.Context) {
	log := logging.FromContext(c.Request.Context())

	markup, err := challenge.Decode(c.PostForm("content"))
	if err != nil {
		log.Warn("Rejected relay content", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid challenge content"})
		return
	}

	flow, err := h.registry.ClaimRelay(sessionID(c), c.PostForm("token"), markup)
	if err != nil {
		log.Warn("Relay content not issued for this session")
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown relay token"})
		return
	}
	trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("booking.id", flow.BookingID()))

	c.Header("Content-Security-Policy", challenge.ChallengePolicy)
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8", markup)
}

// HealthCheck handles health check requests
func (h *PaymentHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
