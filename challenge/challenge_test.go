package challenge

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const bankPage = `<!DOCTYPE html><html><head><title>3D Secure</title></head><body onload="document.forms[0].submit()">` +
	`<form method="POST" action="https://acs.bank.example/challenge"><input type="hidden" name="PaReq" value="eJx=="></form>` +
	`</body></html>`

func countInputs(t *testing.T, markup []byte, name string) int {
	t.Helper()
	doc, err := html.Parse(bytes.NewReader(markup))
	require.NoError(t, err)

	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Input && attr(n, "name") == name {
			count++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return count
}

func inputValue(t *testing.T, markup []byte, name string) string {
	t.Helper()
	doc, err := html.Parse(bytes.NewReader(markup))
	require.NoError(t, err)

	var value string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Input && attr(n, "name") == name {
			value = attr(n, "value")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return value
}

func TestDecode_RoundTripIsLossless(t *testing.T) {
	inputs := [][]byte{
		[]byte(bankPage),
		{0x00, 0xff, 0xfe, 0x10, 0x80},
		[]byte("ü ç ş ğ — bank"),
		[]byte("a"),
	}
	for _, in := range inputs {
		encoded := Encode(in)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, in, decoded)
		require.Equal(t, encoded, Encode(decoded))
	}
}

func TestDecode_TolerantAlphabetsAndPadding(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0xbf, 0x3e, 0x3f}
	std := base64.StdEncoding.EncodeToString(raw)
	urlSafe := base64.URLEncoding.EncodeToString(raw)
	require.NotEqual(t, std, urlSafe)

	for _, variant := range []string{
		std,
		urlSafe,
		strings.TrimRight(std, "="),
		strings.TrimRight(urlSafe, "="),
		std[:4] + "\n" + std[4:] + "  ",
	} {
		got, err := Decode(variant)
		require.NoError(t, err, variant)
		require.Equal(t, raw, got)
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "a", "abcde", "<html>"} {
		_, err := Decode(in)
		require.ErrorIs(t, err, ErrDecode, in)
	}
}

func TestInjectReturnFields_SingleForm(t *testing.T) {
	out, touched, err := InjectReturnFields([]byte(bankPage), "p1")
	require.NoError(t, err)
	require.Equal(t, 1, touched)
	require.Equal(t, 1, countInputs(t, out, "paymentId"))
	require.Equal(t, 1, countInputs(t, out, "status"))
	require.Equal(t, "p1", inputValue(t, out, "paymentId"))
	require.Equal(t, "success", inputValue(t, out, "status"))
	require.Equal(t, 1, countInputs(t, out, "PaReq"))
}

func TestInjectReturnFields_IsIdempotent(t *testing.T) {
	once, _, err := InjectReturnFields([]byte(bankPage), "p1")
	require.NoError(t, err)

	twice, touched, err := InjectReturnFields(once, "p1")
	require.NoError(t, err)
	require.Equal(t, 0, touched)
	require.Equal(t, 1, countInputs(t, twice, "paymentId"))
	require.Equal(t, 1, countInputs(t, twice, "status"))
}

func TestInjectReturnFields_EveryForm(t *testing.T) {
	page := `<html><body><form id="a"></form><div><form id="b"><input name="status" value="x"></form></div></body></html>`

	out, touched, err := InjectReturnFields([]byte(page), "p9")
	require.NoError(t, err)
	require.Equal(t, 2, touched)
	require.Equal(t, 2, countInputs(t, out, "paymentId"))
	require.Equal(t, 2, countInputs(t, out, "status"))
}

func TestInjectReturnFields_NoFormUnchanged(t *testing.T) {
	page := []byte(`<html><body><p>Please wait</p></body></html>`)
	out, touched, err := InjectReturnFields(page, "p1")
	require.NoError(t, err)
	require.Equal(t, 0, touched)
	require.Equal(t, page, out)
}

func TestInjectReturnFields_FragmentKeepsShape(t *testing.T) {
	fragment := []byte(`<form action="https://acs.bank.example"></form><script>document.forms[0].submit()</script>`)
	out, touched, err := InjectReturnFields(fragment, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, touched)
	require.NotContains(t, string(out), "<html")
	require.Contains(t, string(out), `<input type="hidden" name="paymentId" value="p1"/>`)
	require.Contains(t, string(out), `document.forms[0].submit()`)
}

func TestInjectReturnFields_BareBodyKeepsOnload(t *testing.T) {
	page := []byte(`<body onload="document.forms[0].submit()">` +
		`<form method="POST" action="https://acs.bank.example/challenge"><input type="hidden" name="PaReq" value="x"></form></body>`)

	out, touched, err := InjectReturnFields(page, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, touched)
	require.Contains(t, string(out), `<body onload="document.forms[0].submit()">`)
	require.Equal(t, "p1", inputValue(t, out, "paymentId"))
	require.Equal(t, 1, countInputs(t, out, "PaReq"))
}

func TestInjectReturnFields_HeadOnlyDocumentIsParsedWhole(t *testing.T) {
	page := []byte(`<head><script>function go(){document.forms[0].submit()}</script></head>` +
		`<body onload="go()"><form action="https://acs.bank.example"></form></body>`)

	out, _, err := InjectReturnFields(page, "p1")
	require.NoError(t, err)
	require.Contains(t, string(out), `<body onload="go()">`)
	require.Contains(t, string(out), `function go()`)
}

func TestDigest_DiffersForDifferentMarkup(t *testing.T) {
	require.Equal(t, Digest([]byte(bankPage)), Digest([]byte(bankPage)))
	require.NotEqual(t, Digest([]byte(bankPage)), Digest([]byte("<script>alert(1)</script>")))
}

func TestRenderer_BuildsRelayPageWithInjectedMarkup(t *testing.T) {
	r := NewRenderer("/payments/3ds/relay")

	res, err := r.Render(Encode([]byte(bankPage)), "p1", "tok-1")
	require.NoError(t, err)
	require.False(t, res.Fallback)
	require.Equal(t, 1, res.FormsInjected)
	require.Contains(t, string(res.Page), `action="/payments/3ds/relay"`)
	require.Contains(t, string(res.Page), `setTimeout`)
	require.Equal(t, "tok-1", inputValue(t, res.Page, "token"))
	require.Equal(t, Digest(res.Markup), res.Digest)

	payload := inputValue(t, res.Page, "content")
	relayed, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, res.Markup, relayed)
	require.Equal(t, 1, countInputs(t, relayed, "paymentId"))
}

func TestRenderer_FallsBackToDirectMarkup(t *testing.T) {
	r := &Renderer{}

	res, err := r.Render(Encode([]byte(bankPage)), "p1", "tok-1")
	require.NoError(t, err)
	require.True(t, res.Fallback)
	require.Empty(t, res.Digest)
	require.Equal(t, res.Markup, res.Page)
	require.Equal(t, 1, countInputs(t, res.Page, "paymentId"))
}

func TestRenderer_UndecodableContent(t *testing.T) {
	_, err := NewRenderer("/relay").Render("%%%", "p1", "tok-1")
	require.ErrorIs(t, err, ErrDecode)
}
