package invoice

import (
	"strings"
	"time"
)

// dateLayouts are the invoice date formats recognized across the pipeline.
// Day-first numeric layouts win over month-first ones.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2006/01/02",
	"2 Jan 2006",
	"02 Jan 2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
	time.RFC3339,
}

// ParseDate parses an invoice date in any recognized layout.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
