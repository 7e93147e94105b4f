// Package website pulls a short "about the business" summary out of a
// company's public homepage.
package website

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/html"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 5 << 20
	fallbackRunes  = 2000
)

var keywords = []string{"about", "company", "service", "mission", "vision", "team", "history"}

// skipped elements never contribute visible text.
var skipped = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

// Extractor fetches and summarizes web pages. It never fails: any problem
// yields an empty string.
type Extractor struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewExtractor returns an extractor whose fetches are bounded by timeout
// (10s when zero).
func NewExtractor(timeout time.Duration, version string) *Extractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if version == "" {
		version = "dev"
	}
	return &Extractor{
		client:    &http.Client{Timeout: timeout},
		userAgent: fmt.Sprintf("assistd/%s (+website-extractor)", version),
		logger:    slog.Default(),
	}
}

// Extract returns sentences from the page that describe the business, or the
// start of the page text when none match. "" means nothing usable was found.
func (e *Extractor) Extract(ctx context.Context, rawURL string) string {
	target := normalizeURL(rawURL)
	if target == "" {
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		e.logger.Debug("website url rejected", "url", rawURL, "error", err)
		return ""
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Info("website fetch failed", "url", target, "error", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.logger.Info("website fetch returned non-2xx", "url", target, "status", resp.StatusCode)
		return ""
	}

	text := visibleText(io.LimitReader(resp.Body, maxBodyBytes))
	return summarize(text)
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.String()
}

// visibleText flattens the document's text nodes into one space-separated
// string with whitespace runs collapsed.
func visibleText(r io.Reader) string {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	depth := 0 // nesting inside skipped elements

	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseSpace(sb.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if skipped[string(name)] {
				depth++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skipped[string(name)] && depth > 0 {
				depth--
			}
		case html.TextToken:
			if depth == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func summarize(text string) string {
	if text == "" {
		return ""
	}

	var matched []string
	for _, unit := range splitSentences(text) {
		lower := strings.ToLower(unit)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				matched = append(matched, unit)
				break
			}
		}
	}
	if len(matched) > 0 {
		return strings.TrimSpace(strings.Join(matched, ". "))
	}

	runes := []rune(text)
	if len(runes) > fallbackRunes {
		runes = runes[:fallbackRunes]
	}
	return strings.TrimSpace(string(runes))
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	units := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			units = append(units, p)
		}
	}
	return units
}
