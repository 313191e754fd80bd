package preprocess

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxPageBytes = 8 << 20

// URLExtractor fetches a page and keeps the text of its paragraphs
type URLExtractor struct {
	client  *http.Client
	timeout time.Duration
}

// NewURLExtractor creates an extractor. A nil client uses http.DefaultClient.
func NewURLExtractor(client *http.Client, timeout time.Duration) *URLExtractor {
	if client == nil {
		client = http.DefaultClient
	}
	return &URLExtractor{client: client, timeout: timeout}
}

// Extract treats input as a URL and returns the text of every <p> element
// joined by single spaces
func (e *URLExtractor) Extract(ctx context.Context, input string) (string, error) {
	target := strings.TrimSpace(input)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an http(s) url", ErrFetch, target)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("%w: %s returned %s", ErrFetch, u.Redacted(), resp.Status)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("%w: parse page: %v", ErrFetch, err)
	}

	return strings.Join(paragraphs(doc), " "), nil
}

// paragraphs collects the text of each <p> in document order
func paragraphs(root *html.Node) []string {
	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.P {
			out = append(out, nodeText(n))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
