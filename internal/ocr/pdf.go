package ocr

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// PDFText returns the embedded text of every page and the tables found in
// it. Scanned pages yield empty text.
func PDFText(path string) (pages []invoice.Page, tables []invoice.Table, err error) {
	// The pdf reader panics on some malformed files and content streams.
	defer func() {
		if p := recover(); p != nil {
			pages, tables, err = nil, nil, fmt.Errorf("reading pdf: %v", p)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	n := r.NumPage()
	pages = make([]invoice.Page, 0, n)
	tables = []invoice.Table{}
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, invoice.Page{PageNumber: i})
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, invoice.Page{PageNumber: i, Text: strings.TrimSpace(text)})

		// Row grouping is best-effort; a page it cannot walk has no tables.
		if rows, err := p.GetTextByRow(); err == nil {
			tables = append(tables, rowTables(i, rows)...)
		}
	}
	return pages, tables, nil
}

// rowTables turns runs of consecutive rows holding two or more text blocks
// into tables, one cell per block. The reader reports one block per
// text-showing operator and no glyph widths, so blocks are the only column
// signal available. A run needs at least two rows.
func rowTables(pageNum int, rows pdf.Rows) []invoice.Table {
	var (
		out []invoice.Table
		cur [][]string
	)
	flush := func() {
		if len(cur) >= 2 {
			out = append(out, invoice.Table{PageNumber: pageNum, Cells: cur})
		}
		cur = nil
	}
	for _, row := range rows {
		var cells []string
		for _, t := range row.Content {
			if s := strings.TrimSpace(t.S); s != "" {
				cells = append(cells, s)
			}
		}
		if len(cells) < 2 {
			flush()
			continue
		}
		cur = append(cur, cells)
	}
	flush()
	return out
}
