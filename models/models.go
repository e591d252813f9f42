package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the backend's authoritative booking payment status
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusPartial   PaymentStatus = "PARTIAL"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// Normalize upper-cases and trims a status received over the wire
func (s PaymentStatus) Normalize() PaymentStatus {
	return PaymentStatus(strings.ToUpper(strings.TrimSpace(string(s))))
}

// IsSuccess reports whether the status counts as a successful payment
func (s PaymentStatus) IsSuccess() bool {
	switch s.Normalize() {
	case PaymentStatusCompleted, PaymentStatusPartial:
		return true
	}
	return false
}

// IsFailure reports whether the status is a terminal failure
func (s PaymentStatus) IsFailure() bool {
	switch s.Normalize() {
	case PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further change is expected
func (s PaymentStatus) IsTerminal() bool {
	return s.IsSuccess() || s.IsFailure()
}

// PaymentAttempt is the in-flight 3DS attempt kept across the bank redirect
type PaymentAttempt struct {
	BookingID      string    `json:"bookingId"`
	PaymentID      string    `json:"paymentId"`
	ConversationID string    `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// BookingPaymentStatus is a read-only snapshot of the backend payment record
type BookingPaymentStatus struct {
	BookingID       string          `json:"bookingId"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	PaidAmount      decimal.Decimal `json:"paidAmount"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	PaymentStatus   PaymentStatus   `json:"paymentStatus"`
	PaymentURL      string          `json:"paymentUrl,omitempty"`
	PaymentDeadline *time.Time      `json:"paymentDeadline,omitempty"`
	OwnerApprovedAt *time.Time      `json:"ownerApprovedAt,omitempty"`
}

// CardInput holds card form fields. It must never be persisted or logged.
type CardInput struct {
	CardHolderName string `json:"cardHolderName" form:"cardHolderName"`
	CardNumber     string `json:"cardNumber" form:"cardNumber"`
	ExpireMonth    string `json:"expireMonth" form:"expireMonth"`
	ExpireYear     string `json:"expireYear" form:"expireYear"`
	CVC            string `json:"cvc" form:"cvc"`
	Installment    int    `json:"installment" form:"installment"`
}

// Masked returns the card number reduced to its last four digits
func (c CardInput) Masked() string {
	digits := make([]byte, 0, len(c.CardNumber))
	for i := 0; i < len(c.CardNumber); i++ {
		if c.CardNumber[i] >= '0' && c.CardNumber[i] <= '9' {
			digits = append(digits, c.CardNumber[i])
		}
	}
	if len(digits) < 4 {
		return "****"
	}
	return "**** " + string(digits[len(digits)-4:])
}

// InitializeRequest is the body of POST /payments/3ds/initialize
type InitializeRequest struct {
	BookingID      string `json:"bookingId"`
	CardHolderName string `json:"cardHolderName"`
	CardNumber     string `json:"cardNumber"`
	ExpireMonth    string `json:"expireMonth"`
	ExpireYear     string `json:"expireYear"`
	CVC            string `json:"cvc"`
	Installment    int    `json:"installment"`
}

// InitializeResponse is the backend answer to a 3DS initiation
type InitializeResponse struct {
	Status             string `json:"status"`
	ThreeDSHTMLContent string `json:"threeDSHtmlContent,omitempty"`
	PaymentID          string `json:"paymentId,omitempty"`
	ConversationID     string `json:"conversationId,omitempty"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
}

// Succeeded reports whether the backend opened a payment attempt
func (r *InitializeResponse) Succeeded() bool {
	return strings.EqualFold(r.Status, "success")
}

// CallbackRequest carries the supplementary callback query
type CallbackRequest struct {
	BookingID      string
	ConversationID string
	PaymentID      string
	Status         string
}

// CallbackStatus is the lightweight poll target response
type CallbackStatus struct {
	BookingID     string        `json:"bookingId"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	IsComplete    bool          `json:"isComplete"`
	IsPending     bool          `json:"isPending"`
	Message       string        `json:"message,omitempty"`
	ShouldRetry   bool          `json:"shouldRetry,omitempty"`
}

// InstallmentPrice is one row of the BIN installment price table
type InstallmentPrice struct {
	InstallmentNumber int             `json:"installmentNumber"`
	TotalPrice        decimal.Decimal `json:"totalPrice"`
	InstallmentPrice  decimal.Decimal `json:"installmentPrice"`
}

// BinInfo is the bank identification lookup result
type BinInfo struct {
	BinNumber         string             `json:"binNumber"`
	CardType          string             `json:"cardType,omitempty"`
	CardAssociation   string             `json:"cardAssociation,omitempty"`
	CardFamily        string             `json:"cardFamily,omitempty"`
	BankName          string             `json:"bankName,omitempty"`
	Force3DS          bool               `json:"force3ds"`
	InstallmentPrices []InstallmentPrice `json:"installmentPrices,omitempty"`
}
