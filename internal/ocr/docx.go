package ocr

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// ExtractDOCX reads body paragraphs and tables from word/document.xml.
// Tables are returned as cells and also flattened into the page text at
// their position in the document, one row per line with tab-separated cells.
func ExtractDOCX(path string) (invoice.OCRResult, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return invoice.OCRResult{}, fmt.Errorf("opening docx: %w", err)
	}
	defer zr.Close()

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return invoice.OCRResult{}, errors.New("docx has no word/document.xml")
	}
	rc, err := doc.Open()
	if err != nil {
		return invoice.OCRResult{}, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	paragraphs, tables, err := parseDocumentXML(rc)
	if err != nil {
		return invoice.OCRResult{}, err
	}

	resTables := make([]invoice.Table, 0, len(tables))
	for _, t := range tables {
		resTables = append(resTables, invoice.Table{PageNumber: 1, Cells: t})
	}
	return invoice.OCRResult{
		Status:         invoice.StatusOCRDone,
		AvgConfidence:  0.98,
		Pages:          []invoice.Page{{PageNumber: 1, Text: strings.Join(paragraphs, "\n")}},
		Tables:         resTables,
		RawEngineTrace: map[string]string{"engine": "docx-xml"},
	}, nil
}

const wordNS = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

func parseDocumentXML(r io.Reader) (paragraphs []string, tables [][][]string, err error) {
	dec := xml.NewDecoder(r)

	var (
		tableDepth int
		para       strings.Builder
		inPara     bool
		inText     bool
		// stacks for nested tables
		tableStack [][][]string
		rowStack   [][]string
		cellStack  []*strings.Builder
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("parsing document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "tbl":
				tableDepth++
				tableStack = append(tableStack, nil)
			case "tr":
				rowStack = append(rowStack, nil)
			case "tc":
				cellStack = append(cellStack, &strings.Builder{})
			case "p":
				inPara = true
				para.Reset()
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				inPara = false
				text := para.String()
				if tableDepth > 0 && len(cellStack) > 0 {
					cell := cellStack[len(cellStack)-1]
					if cell.Len() > 0 {
						cell.WriteByte('\n')
					}
					cell.WriteString(text)
				} else {
					paragraphs = append(paragraphs, text)
				}
			case "tc":
				if n := len(cellStack); n > 0 && len(rowStack) > 0 {
					rowStack[len(rowStack)-1] = append(rowStack[len(rowStack)-1], cellStack[n-1].String())
					cellStack = cellStack[:n-1]
				}
			case "tr":
				if n := len(rowStack); n > 0 && len(tableStack) > 0 {
					tableStack[len(tableStack)-1] = append(tableStack[len(tableStack)-1], rowStack[n-1])
					rowStack = rowStack[:n-1]
				}
			case "tbl":
				if n := len(tableStack); n > 0 {
					tbl := tableStack[n-1]
					tables = append(tables, tbl)
					tableStack = tableStack[:n-1]
					if flat := flattenTable(tbl); flat != "" {
						if len(cellStack) > 0 {
							cell := cellStack[len(cellStack)-1]
							if cell.Len() > 0 {
								cell.WriteByte('\n')
							}
							cell.WriteString(flat)
						} else {
							paragraphs = append(paragraphs, flat)
						}
					}
				}
				tableDepth--
			}
		case xml.CharData:
			if inPara && inText {
				para.Write(t)
			}
		}
	}
	return paragraphs, tables, nil
}

func flattenTable(rows [][]string) string {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = strings.Join(strings.Fields(c), " ")
		}
		if line := strings.Join(cells, "\t"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
