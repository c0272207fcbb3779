package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// PDFReport wraps gofpdf with the small set of building blocks the
// evaluation report needs.
type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
}

func NewPDFReport(title string) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	r := &PDFReport{
		pdf:   pdf,
		title: title,
	}

	r.addHeader()
	return r
}

func (r *PDFReport) addHeader() {
	r.pdf.AddPage()

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.title, "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", time.Now().Format("January 2, 2006 3:04 PM")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, text, "", "L", false)
	r.pdf.Ln(2)
}

func (r *PDFReport) AddTable(headers []string, rows [][]string) {
	pageWidth := 180.0 // A4 width minus margins
	colWidth := pageWidth / float64(len(headers))

	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for _, h := range headers {
		r.pdf.CellFormat(colWidth, 8, h, "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 9)
	r.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			if len(cell) > 42 {
				cell = cell[:39] + "..."
			}
			r.pdf.CellFormat(colWidth, 7, cell, "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddSummaryTable(data map[string]int) {
	r.pdf.SetFont("Arial", "", 10)

	for key, value := range data {
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(60, 7, key+":", "", 0, "L", false, 0, "")

		r.pdf.SetFont("Arial", "B", 10)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 7, fmt.Sprintf("%d", value), "", 1, "L", false, 0, "")
		r.pdf.SetFont("Arial", "", 10)
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddChart(title string, data map[string]int) {
	if title != "" {
		r.pdf.SetFont("Arial", "B", 11)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	}

	max := 0
	for _, v := range data {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		max = 1
	}

	barMaxWidth := 100.0

	for label, value := range data {
		r.pdf.SetFont("Arial", "", 9)
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(40, 6, label, "", 0, "L", false, 0, "")

		barWidth := float64(value) / float64(max) * barMaxWidth
		r.pdf.SetFillColor(66, 133, 244)
		r.pdf.CellFormat(barWidth, 6, "", "", 0, "L", true, 0, "")

		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(30, 6, fmt.Sprintf(" %d", value), "", 1, "L", false, 0, "")
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) addFooter() {
	r.pdf.SetFooterFunc(func() {
		r.pdf.SetY(-15)
		r.pdf.SetFont("Arial", "I", 8)
		r.pdf.SetTextColor(128, 128, 128)
		r.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", r.pdf.PageNo()), "", 0, "C", false, 0, "")
	})
}

func (r *PDFReport) Output() ([]byte, error) {
	r.addFooter()

	var buf bytes.Buffer
	if err := r.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return buf.Bytes(), nil
}
