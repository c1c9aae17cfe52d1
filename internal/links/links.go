// Package links pulls unsubscribe links out of HTML message bodies.
package links

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/eraser-privacy/unsubscriber/internal/logger"
)

const marker = "unsubscribe"

// Extract returns the href of every anchor whose lowercased target contains
// "unsubscribe", in document order. Unparseable input yields nil.
func Extract(ctx context.Context, html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		logger.Warn(ctx, "failed to parse HTML content", zap.Error(err))
		return nil
	}

	var urls []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if ok && strings.Contains(strings.ToLower(href), marker) {
			urls = append(urls, href)
		}
	})

	return urls
}

// Unique drops repeated links, keeping the first occurrence of each.
func Unique(links []string) []string {
	seen := make(map[string]bool, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
