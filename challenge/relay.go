package challenge

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html/template"
	"time"
)

// DefaultSubmitDelay is how long the relay page waits before posting
const DefaultSubmitDelay = 50 * time.Millisecond

// Content-Security-Policy values. The relay page may only post to this
// origin; the relayed challenge may run its own inline script and post to
// the bank, but cannot call back into this origin.
const (
	RelayPagePolicy = "default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; form-action 'self'; base-uri 'none'; frame-ancestors 'none'"
	ChallengePolicy = "default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; img-src https: data:; form-action https:; base-uri 'none'; frame-ancestors 'none'"
)

var relayTemplate = template.Must(template.New("relay").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex">
<title>Redirecting to your bank</title>
</head>
<body>
<p>Redirecting to your bank for verification...</p>
<form id="threeds-relay" method="POST" action="{{.Action}}" style="display:none">
<input type="hidden" name="token" value="{{.Token}}">
<input type="hidden" name="content" value="{{.Content}}">
</form>
<script>setTimeout(function () { document.getElementById("threeds-relay").submit(); }, {{.DelayMS}});</script>
<noscript><button type="submit" form="threeds-relay">Continue to bank verification</button></noscript>
</body>
</html>
`))

// Result is what the browser receives after a successful initiation
type Result struct {
	// Page is the HTML to serve: the relay page, or the decoded challenge
	// itself when Fallback is set.
	Page          []byte
	Fallback      bool
	FormsInjected int
	// Markup is the decoded, field-injected challenge document.
	Markup []byte
	// Digest identifies Markup; the relay serves only matching content.
	Digest string
}

// Renderer builds relay pages for a fixed relay endpoint
type Renderer struct {
	RelayURL    string
	SubmitDelay time.Duration
}

func NewRenderer(relayURL string) *Renderer {
	return &Renderer{RelayURL: relayURL, SubmitDelay: DefaultSubmitDelay}
}

// Digest returns the hex SHA-256 of markup
func Digest(markup []byte) string {
	sum := sha256.Sum256(markup)
	return hex.EncodeToString(sum[:])
}

// BuildRelayPage returns an invisible form that posts the re-encoded markup
// and the relay token to the relay endpoint once the page has loaded.
func (r *Renderer) BuildRelayPage(markup []byte, token string) ([]byte, error) {
	if r.RelayURL == "" {
		return nil, fmt.Errorf("relay url not configured")
	}
	var buf bytes.Buffer
	err := relayTemplate.Execute(&buf, struct {
		Action  string
		Token   string
		Content string
		DelayMS int64
	}{
		Action:  r.RelayURL,
		Token:   token,
		Content: Encode(markup),
		DelayMS: r.SubmitDelay.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("render relay page: %w", err)
	}
	return buf.Bytes(), nil
}

// Render decodes the gateway content, injects the return fields and wraps
// the result in a relay page carrying token. When injection or page
// construction fails the decoded markup is returned for direct rendering
// instead. Only undecodable content is an error.
func (r *Renderer) Render(content, paymentID, token string) (Result, error) {
	decoded, err := Decode(content)
	if err != nil {
		return Result{}, err
	}

	markup, touched, err := InjectReturnFields(decoded, paymentID)
	if err != nil {
		return Result{Page: decoded, Markup: decoded, Fallback: true}, nil
	}

	page, err := r.BuildRelayPage(markup, token)
	if err != nil {
		return Result{Page: markup, Markup: markup, Fallback: true, FormsInjected: touched}, nil
	}

	return Result{Page: page, Markup: markup, Digest: Digest(markup), FormsInjected: touched}, nil
}
