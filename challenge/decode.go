// Package challenge turns the gateway's base64 3DS challenge document into a
// page that relays it through this service before the browser leaves for
// the bank.
package challenge

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrDecode marks challenge content that is not base64 in any accepted form.
var ErrDecode = errors.New("challenge: undecodable 3DS content")

var urlSafeToStd = strings.NewReplacer("-", "+", "_", "/")

// Decode accepts standard or URL-safe base64, with or without padding, and
// ignores embedded whitespace.
func Decode(content string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, content)
	cleaned = urlSafeToStd.Replace(cleaned)
	cleaned = strings.TrimRight(cleaned, "=")

	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty", ErrDecode)
	}
	if len(cleaned)%4 == 1 {
		return nil, fmt.Errorf("%w: truncated input", ErrDecode)
	}

	decoded, err := base64.RawStdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return decoded, nil
}

// Encode is the canonical (standard, padded) encoding used for the relay payload
func Encode(markup []byte) string {
	return base64.StdEncoding.EncodeToString(markup)
}
