package spreadsheet

import (
	"fmt"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/width"
)

// Column width bounds, in character units.
const (
	minColumnWidth   = 10
	maxColumnWidth   = 40
	coverColumnWidth = 13.57
	// pixelsPerChar approximates one character unit in pixels.
	pixelsPerChar = 7
)

// Row heights, in points.
const (
	headerRowHeight = 30
	plainRowHeight  = 20
	coverRowHeight  = 96
)

// Palette.
const (
	headerFill  = "4F81BD"
	stripeFill  = "F8F9FA"
	highRating  = "E74C3C"
	midRating   = "F39C12"
	borderColor = "000000"
)

// displayWidth counts East Asian wide and fullwidth runes as two columns.
func displayWidth(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}

// fitWidth turns the widest cell of a column into a column width.
func fitWidth(widest int) float64 {
	w := widest + 2
	if w < minColumnWidth {
		w = minColumnWidth
	}
	if w > maxColumnWidth {
		w = maxColumnWidth
	}
	return float64(w)
}

// coverWidth sizes the cover column around the widest embedded thumbnail.
func coverWidth(maxThumbnailWidth int) float64 {
	if maxThumbnailWidth <= 0 {
		return coverColumnWidth
	}
	return float64(maxThumbnailWidth+5) / pixelsPerChar
}

type ratingBand int

const (
	bandNone ratingBand = iota
	bandMid
	bandHigh
)

func bandFor(rating float64) ratingBand {
	switch {
	case rating >= 8.0:
		return bandHigh
	case rating >= 7.0:
		return bandMid
	default:
		return bandNone
	}
}

type styleKey struct {
	striped bool
	band    ratingBand
}

// styles lazily registers the cell styles of a workbook.
type styles struct {
	file   *excelize.File
	header int
	cells  map[styleKey]int
}

func newStyles(f *excelize.File) (*styles, error) {
	header, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF", Size: 14},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{headerFill}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
		Border:    thinBorder(),
	})
	if err != nil {
		return nil, fmt.Errorf("register header style: %w", err)
	}
	return &styles{file: f, header: header, cells: make(map[styleKey]int)}, nil
}

func (s *styles) cell(key styleKey) (int, error) {
	if id, ok := s.cells[key]; ok {
		return id, nil
	}
	style := &excelize.Style{
		Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "center", WrapText: true},
		Border:    thinBorder(),
	}
	if key.striped {
		style.Fill = excelize.Fill{Type: "pattern", Color: []string{stripeFill}, Pattern: 1}
	}
	switch key.band {
	case bandHigh:
		style.Font = &excelize.Font{Bold: true, Color: highRating}
	case bandMid:
		style.Font = &excelize.Font{Bold: true, Color: midRating}
	}
	id, err := s.file.NewStyle(style)
	if err != nil {
		return 0, fmt.Errorf("register cell style: %w", err)
	}
	s.cells[key] = id
	return id, nil
}

func thinBorder() []excelize.Border {
	return []excelize.Border{
		{Type: "left", Color: borderColor, Style: 1},
		{Type: "right", Color: borderColor, Style: 1},
		{Type: "top", Color: borderColor, Style: 1},
		{Type: "bottom", Color: borderColor, Style: 1},
	}
}
