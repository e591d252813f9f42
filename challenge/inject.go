package challenge

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var documentTags = [][]byte{[]byte("<!doctype"), []byte("<html"), []byte("<head"), []byte("<body")}

const (
	fieldPaymentID = "paymentId"
	fieldStatus    = "status"
	statusSuccess  = "success"
)

// InjectReturnFields adds hidden paymentId and status=success inputs to every
// form in markup, since some gateways post back without them. Fields a form
// already carries are left as they are. It returns the rewritten markup and
// the number of forms that received at least one field; markup without forms
// is returned untouched.
func InjectReturnFields(markup []byte, paymentID string) ([]byte, int, error) {
	lower := bytes.ToLower(markup)
	if !bytes.Contains(lower, []byte("<form")) {
		return markup, 0, nil
	}

	if isDocument(lower) {
		doc, err := html.Parse(bytes.NewReader(markup))
		if err != nil {
			return nil, 0, fmt.Errorf("parse challenge document: %w", err)
		}
		touched := injectForms(doc, paymentID)
		if touched == 0 {
			return markup, 0, nil
		}
		var buf bytes.Buffer
		if err := html.Render(&buf, doc); err != nil {
			return nil, 0, fmt.Errorf("render challenge document: %w", err)
		}
		return buf.Bytes(), touched, nil
	}

	// Fragments are parsed in a body context and rendered back node by node
	// so no html/head/body wrapper is added.
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(bytes.NewReader(markup), body)
	if err != nil {
		return nil, 0, fmt.Errorf("parse challenge fragment: %w", err)
	}
	touched := 0
	for _, n := range nodes {
		touched += injectForms(n, paymentID)
	}
	if touched == 0 {
		return markup, 0, nil
	}
	var buf bytes.Buffer
	for _, n := range nodes {
		if err := html.Render(&buf, n); err != nil {
			return nil, 0, fmt.Errorf("render challenge fragment: %w", err)
		}
	}
	return buf.Bytes(), touched, nil
}

// isDocument reports whether markup carries document-level tags. Those are
// parsed as a full document so attributes such as body onload survive.
func isDocument(lower []byte) bool {
	for _, tag := range documentTags {
		if bytes.Contains(lower, tag) {
			return true
		}
	}
	return false
}

func injectForms(n *html.Node, paymentID string) int {
	touched := 0
	if n.Type == html.ElementNode && n.DataAtom == atom.Form {
		added := false
		if !hasInput(n, fieldPaymentID) {
			n.AppendChild(hiddenInput(fieldPaymentID, paymentID))
			added = true
		}
		if !hasInput(n, fieldStatus) {
			n.AppendChild(hiddenInput(fieldStatus, statusSuccess))
			added = true
		}
		if added {
			touched++
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		touched += injectForms(c, paymentID)
	}
	return touched
}

func hasInput(form *html.Node, name string) bool {
	found := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Input && strings.EqualFold(attr(n, "name"), name) {
			found = true
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)
	return found
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hiddenInput(name, value string) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     "input",
		DataAtom: atom.Input,
		Attr: []html.Attribute{
			{Key: "type", Val: "hidden"},
			{Key: "name", Val: name},
			{Key: "value", Val: value},
		},
	}
}
