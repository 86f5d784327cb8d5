package invoice

// Page is the text of one extracted page.
type Page struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// Table is a grid of cells found on a page.
type Table struct {
	PageNumber int        `json:"page_number"`
	Cells      [][]string `json:"cells"`
}

// OCRResult is the output of the OCR cascade. An OCR_DONE result always has
// at least one page.
type OCRResult struct {
	Status         Status            `json:"status"`
	AvgConfidence  float64           `json:"avg_confidence"`
	Pages          []Page            `json:"pages"`
	Tables         []Table           `json:"tables"`
	RawEngineTrace map[string]string `json:"raw_engine_trace"`
}

// Text joins the page texts with single spaces.
func (r OCRResult) Text() string {
	var n int
	for _, p := range r.Pages {
		n += len(p.Text) + 1
	}
	b := make([]byte, 0, n)
	for i, p := range r.Pages {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, p.Text...)
	}
	return string(b)
}
