package csnet

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

const tokenField = "_csrf"

// extractToken finds the anti-forgery token in an HTML page. CSNet puts it in
// a hidden form input on the login page and in a meta tag on the dashboard.
func extractToken(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenExtraction, err)
	}

	var token string
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input":
				if attr(n, "name") == tokenField {
					token = attr(n, "value")
				}
			case "meta":
				if attr(n, "name") == tokenField {
					token = attr(n, "content")
				}
			}
			if token != "" {
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)

	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenExtraction
	}
	return token, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
