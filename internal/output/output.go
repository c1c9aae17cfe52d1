// Package output writes grouped services to the links list and the
// spreadsheet-friendly services CSV.
package output

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eraser-privacy/unsubscriber/internal/service"
)

const (
	DefaultLinksFile    = "unsubscribe_links.txt"
	DefaultServicesFile = "unsubscribe_services.csv"

	utf8BOM = "\xEF\xBB\xBF"
)

var header = []string{"company", "domain", "url", "emails_found"}

// Paths names the two output files.
type Paths struct {
	Links    string
	Services string
}

// NewPaths joins the file names onto dir, falling back to the default names.
func NewPaths(dir, links, services string) Paths {
	if links == "" {
		links = DefaultLinksFile
	}
	if services == "" {
		services = DefaultServicesFile
	}
	return Paths{
		Links:    filepath.Join(dir, links),
		Services: filepath.Join(dir, services),
	}
}

// WriteLinks writes one canonical URL per line.
func WriteLinks(path string, records []service.Record) error {
	urls := make([]string, len(records))
	for i, r := range records {
		urls[i] = r.URL
	}

	if err := os.WriteFile(path, []byte(strings.Join(urls, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to write links file: %w", err)
	}
	return nil
}

// WriteServices writes a semicolon-delimited CSV with a UTF-8 byte order mark
// so spreadsheet tools pick the right encoding and separator.
func WriteServices(path string, records []service.Record) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create services file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close services file: %w", cerr)
		}
	}()

	buf := bufio.NewWriter(f)
	if _, err := buf.WriteString(utf8BOM); err != nil {
		return fmt.Errorf("failed to write services file: %w", err)
	}

	w := csv.NewWriter(buf)
	w.Comma = ';'
	w.UseCRLF = true

	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write services header: %w", err)
	}
	for _, r := range records {
		row := []string{r.Company, r.Domain, r.URL, strconv.Itoa(r.Count)}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write service %s: %w", r.Domain, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write services file: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to write services file: %w", err)
	}
	return nil
}

// Save writes both files. Each one is attempted regardless of the other;
// the returned error joins whatever failed.
func Save(paths Paths, records []service.Record) error {
	return errors.Join(
		WriteLinks(paths.Links, records),
		WriteServices(paths.Services, records),
	)
}
