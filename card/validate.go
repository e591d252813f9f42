// Package card validates card form input and enriches it with bank
// identification data.
package card

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"dumende-payments/models"
)

const (
	minHolderName  = 3
	minCardDigits  = 15
	maxCardDigits  = 19
	maxYearsAhead  = 20
	binLength      = 6
	maxInstallment = 12
)

// ValidationErrors maps a form field to its problem
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, v[field]))
	}
	return "invalid card input: " + strings.Join(parts, "; ")
}

// Digits strips spaces and dashes from a card number. ok is false when any
// other non-digit character is present.
func Digits(number string) (string, bool) {
	var b strings.Builder
	for _, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return "", false
		}
	}
	return b.String(), true
}

// BIN returns the bank identification number once six digits are typed
func BIN(number string) (string, bool) {
	digits, ok := Digits(number)
	if !ok || len(digits) < binLength {
		return "", false
	}
	return digits[:binLength], true
}

// NormalizeYear expands a two digit year to four digits
func NormalizeYear(year string) (int, error) {
	year = strings.TrimSpace(year)
	y, err := strconv.Atoi(year)
	if err != nil || y < 0 {
		return 0, fmt.Errorf("not a year")
	}
	switch len(year) {
	case 1, 2:
		return 2000 + y, nil
	case 4:
		return y, nil
	default:
		return 0, fmt.Errorf("not a year")
	}
}

// Validate checks the form fields and returns the input in the shape the
// backend expects: digits-only number, two digit month, four digit year.
func Validate(in models.CardInput, now time.Time) (models.CardInput, error) {
	errs := ValidationErrors{}
	out := in

	out.CardHolderName = strings.Join(strings.Fields(in.CardHolderName), " ")
	if len([]rune(out.CardHolderName)) < minHolderName {
		errs["cardHolderName"] = fmt.Sprintf("must be at least %d characters", minHolderName)
	}

	digits, ok := Digits(in.CardNumber)
	switch {
	case !ok:
		errs["cardNumber"] = "must contain only digits"
	case len(digits) < minCardDigits:
		errs["cardNumber"] = fmt.Sprintf("must have at least %d digits", minCardDigits)
	case len(digits) > maxCardDigits:
		errs["cardNumber"] = fmt.Sprintf("must have at most %d digits", maxCardDigits)
	}
	out.CardNumber = digits

	month, err := strconv.Atoi(strings.TrimSpace(in.ExpireMonth))
	if err != nil || month < 1 || month > 12 {
		errs["expireMonth"] = "must be between 1 and 12"
	} else {
		out.ExpireMonth = fmt.Sprintf("%02d", month)
	}

	year, err := NormalizeYear(in.ExpireYear)
	if err != nil {
		errs["expireYear"] = "must be a 2 or 4 digit year"
	} else if year < now.Year() || year > now.Year()+maxYearsAhead {
		errs["expireYear"] = fmt.Sprintf("must be between %d and %d", now.Year(), now.Year()+maxYearsAhead)
	} else {
		out.ExpireYear = strconv.Itoa(year)
		if _, monthBad := errs["expireMonth"]; !monthBad && year == now.Year() && month < int(now.Month()) {
			errs["expireMonth"] = "card has expired"
		}
	}

	cvc := strings.TrimSpace(in.CVC)
	if len(cvc) < 3 || len(cvc) > 4 || strings.Trim(cvc, "0123456789") != "" {
		errs["cvc"] = "must be 3 or 4 digits"
	}
	out.CVC = cvc

	switch {
	case in.Installment == 0:
		out.Installment = 1
	case in.Installment < 1 || in.Installment > maxInstallment:
		errs["installment"] = fmt.Sprintf("must be between 1 and %d", maxInstallment)
	}

	if len(errs) > 0 {
		return in, errs
	}
	return out, nil
}
