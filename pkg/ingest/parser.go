package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Page is the extracted text of one PDF page. Page numbers start at 1.
type Page struct {
	Number int
	Text   string
}

// PageParser extracts per-page text from a document on disk. A parser may
// return decoded pages together with a *SkippedPagesError.
type PageParser func(path string) ([]Page, error)

// ErrUnreadable is returned when no page of a document could be decoded.
var ErrUnreadable = errors.New("no page of the document could be decoded")

// SkippedPagesError lists pages that failed to decode while others succeeded.
type SkippedPagesError struct {
	Pages []int
	Err   error
}

func (e *SkippedPagesError) Error() string {
	return fmt.Sprintf("skipped undecodable pages %v: %v", e.Pages, e.Err)
}

func (e *SkippedPagesError) Unwrap() error { return e.Err }

// ParsePDF extracts plain text page by page. Pages without text are dropped.
func ParsePDF(path string) (pages []Page, err error) {
	defer func() {
		// ledongthuc/pdf panics on some malformed streams.
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	return collectPages(reader.NumPage(), func(i int) (string, bool, error) {
		page := reader.Page(i)
		if page.V.IsNull() {
			return "", false, nil
		}
		text, err := page.GetPlainText(nil)
		return text, true, err
	})
}

// collectPages walks pages 1..total. text reports false for pages that do not
// exist in the document.
func collectPages(total int, text func(int) (string, bool, error)) ([]Page, error) {
	var (
		pages   []Page
		skipped []int
		first   error
	)
	for i := 1; i <= total; i++ {
		raw, ok, err := text(i)
		if !ok {
			continue
		}
		if err != nil {
			skipped = append(skipped, i)
			if first == nil {
				first = err
			}
			continue
		}
		if t := normalizeText(raw); t != "" {
			pages = append(pages, Page{Number: i, Text: t})
		}
	}
	if len(skipped) == 0 {
		return pages, nil
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: pages %v: %v", ErrUnreadable, skipped, first)
	}
	return pages, &SkippedPagesError{Pages: skipped, Err: first}
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}
