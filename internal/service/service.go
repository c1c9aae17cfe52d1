// Package service groups unsubscribe links by the service (registrable
// domain) that sent them.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/eraser-privacy/unsubscriber/internal/logger"
)

// UnknownCompany is used when no company name can be derived from a domain.
const UnknownCompany = "Unknown"

var errNoHost = errors.New("url has no host")

// Record is the canonical unsubscribe link for one service.
type Record struct {
	URL     string
	Company string
	Domain  string
	Count   int // distinct links seen for Domain
}

// Services maps a registrable domain to its record.
type Services map[string]*Record

// RegistrableDomain returns the public-suffix-aware root domain of rawURL,
// e.g. "https://mail.google.com/x" -> "google.com". Only ICANN suffixes
// count, so "https://store-a.myshopify.com/x" -> "myshopify.com". Hosts
// without a registrable part (IP addresses, single labels) are returned
// as-is.
func RegistrableDomain(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", errNoHost
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}

	suffix := icannSuffix(host)
	if suffix == host {
		return host, nil
	}
	rest := strings.TrimSuffix(host, "."+suffix)
	label := rest[strings.LastIndex(rest, ".")+1:]
	if label == "" {
		return host, nil
	}
	return label + "." + suffix, nil
}

// icannSuffix returns the public suffix of domain from the ICANN section of
// the list only. Private entries such as "myshopify.com" or "github.io" are
// stripped label by label until an ICANN suffix remains, so every shop on a
// hosting platform groups under the platform's domain.
func icannSuffix(domain string) string {
	suffix, icann := publicsuffix.PublicSuffix(domain)
	for !icann {
		i := strings.IndexByte(suffix, '.')
		if i < 0 {
			break
		}
		suffix, icann = publicsuffix.PublicSuffix(suffix[i+1:])
	}
	return suffix
}

// CompanyName derives a display name from the domain label:
// "my-shop.co.uk" -> "My Shop".
func CompanyName(domain string) string {
	if domain == "" || net.ParseIP(domain) != nil {
		return UnknownCompany
	}

	suffix := icannSuffix(domain)
	label := domain
	if suffix != domain {
		label = strings.TrimSuffix(domain, "."+suffix)
	}
	if i := strings.LastIndex(label, "."); i >= 0 {
		label = label[i+1:]
	}

	label = strings.TrimSpace(strings.NewReplacer("-", " ", "_", " ").Replace(label))
	if label == "" {
		return UnknownCompany
	}
	return cases.Title(language.Und).String(label)
}

// Group reduces links to one record per registrable domain. The shortest
// link wins; on equal length the first one seen is kept. Callers dedupe the
// input so identical URLs are not counted twice.
func Group(ctx context.Context, links []string) Services {
	services := make(Services)

	for _, link := range links {
		domain, err := RegistrableDomain(link)
		if err != nil {
			logger.Warn(ctx, "skipping link", zap.String("url", link), zap.Error(err))
			continue
		}

		rec, ok := services[domain]
		if !ok {
			services[domain] = &Record{
				URL:     link,
				Company: CompanyName(domain),
				Domain:  domain,
				Count:   1,
			}
			continue
		}

		rec.Count++
		if len(link) < len(rec.URL) {
			rec.URL = link
			rec.Company = CompanyName(domain)
		}
	}

	logger.Debug(ctx, "grouped links by service", zap.Int("links", len(links)), zap.Int("services", len(services)))
	return services
}

// Sorted returns copies of the records ordered by domain.
func (s Services) Sorted() []Record {
	out := make([]Record, 0, len(s))
	for _, rec := range s {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// URLs returns the canonical URL of every record, in Sorted order.
func (s Services) URLs() []string {
	records := s.Sorted()
	urls := make([]string, len(records))
	for i, r := range records {
		urls[i] = r.URL
	}
	return urls
}

// Exclude returns the services whose domain is not in domains
// (case-insensitive). The receiver is left untouched.
func (s Services) Exclude(domains ...string) Services {
	if len(domains) == 0 {
		return s
	}

	skip := make(map[string]bool, len(domains))
	for _, d := range domains {
		skip[strings.ToLower(strings.TrimSpace(d))] = true
	}

	out := make(Services, len(s))
	for domain, rec := range s {
		if !skip[domain] {
			out[domain] = rec
		}
	}
	return out
}
