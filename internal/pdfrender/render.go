// Package pdfrender turns an uploaded PDF into the plain text forwarded to
// the inference backend alongside the upload handle.
package pdfrender

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// maxTextBytes caps the rendered text. Schedules fit comfortably; the tail
// of a scanned appendix does not improve extraction and inflates the request.
const maxTextBytes = 256 << 10

// Text renders PDF bytes page by page. Pages without extractable text are
// skipped; a document with none at all is an error, since the extract call
// would have nothing to work from.
func Text(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var pages []string
	for page := 1; page <= doc.NumPage(); page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		if trimmed := strings.TrimSpace(content); trimmed != "" {
			pages = append(pages, trimmed)
		}
	}
	if len(pages) == 0 {
		return "", errors.New("no extractable text")
	}
	return clip(strings.Join(pages, "\n\n")), nil
}

// TextFromReader drains the reader before passing along to Text.
func TextFromReader(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	return Text(data)
}

// clip cuts oversized text at the last line break before the cap, so the
// backend never sees a line sliced mid-word.
func clip(s string) string {
	if len(s) <= maxTextBytes {
		return s
	}
	cut := s[:maxTextBytes]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut
}
