package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Page is one page of plain text pulled out of a PDF. Numbering is 1-based,
// matching how readers talk about pages.
type Page struct {
	Number int
	Text   string
}

// Pages extracts per-page plain text from a PDF. Pages that cannot be
// decoded are kept as empty entries so numbering stays aligned with the
// document.
func Pages(data io.ReaderAt, size int64) ([]Page, error) {
	reader, err := pdf.NewReader(data, size)
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}

	numPages := reader.NumPage()
	pages := make([]Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		text := ""
		if !page.V.IsNull() {
			if extracted, err := page.GetPlainText(nil); err == nil {
				text = strings.TrimSpace(extracted)
			}
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}
