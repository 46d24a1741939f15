package sheets

import (
	"fmt"
	"strconv"
	"strings"
)

// rangeLayout is the anchor of an A1 range: the sheet prefix and the
// zero-based column and one-based row of its top-left cell.
type rangeLayout struct {
	sheet    string
	startCol int
	startRow int
}

// parseRange reads "Sheet1!A1:I", "'My Sheet'!B3:J" or "A:I".
func parseRange(a1 string) (rangeLayout, error) {
	a1 = strings.TrimSpace(a1)
	if a1 == "" {
		return rangeLayout{}, fmt.Errorf("sheet range is empty")
	}
	var layout rangeLayout
	ref := a1
	if i := strings.LastIndex(a1, "!"); i >= 0 {
		layout.sheet = a1[:i]
		ref = a1[i+1:]
	}
	start, _, _ := strings.Cut(ref, ":")

	letters := strings.TrimRight(start, "0123456789")
	digits := start[len(letters):]
	if letters == "" {
		return rangeLayout{}, fmt.Errorf("sheet range %q has no start column", a1)
	}
	col, err := columnIndex(letters)
	if err != nil {
		return rangeLayout{}, fmt.Errorf("sheet range %q: %w", a1, err)
	}
	layout.startCol = col
	layout.startRow = 1
	if digits != "" {
		row, err := strconv.Atoi(digits)
		if err != nil || row < 1 {
			return rangeLayout{}, fmt.Errorf("sheet range %q has invalid start row", a1)
		}
		layout.startRow = row
	}
	return layout, nil
}

// cell returns the A1 reference of the column at offset from the range start.
func (l rangeLayout) cell(offset, row int) string {
	ref := columnLetter(l.startCol+offset) + strconv.Itoa(row)
	if l.sheet == "" {
		return ref
	}
	return l.sheet + "!" + ref
}

// columnIndex converts "A" to 0, "Z" to 25 and "AA" to 26.
func columnIndex(letters string) (int, error) {
	idx := 0
	for _, r := range strings.ToUpper(letters) {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid column %q", letters)
		}
		idx = idx*26 + int(r-'A') + 1
	}
	return idx - 1, nil
}

// columnLetter is the inverse of columnIndex.
func columnLetter(idx int) string {
	var b []byte
	for n := idx + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}
