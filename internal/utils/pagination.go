// Package utils holds small helpers shared by the HTTP layer, the services
// and the CLI.
package utils

import (
	"strconv"
	"strings"
)

// Page size bounds applied to every paginated listing.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is a 1-based page window over an ordered listing.
type Page struct {
	Number int
	Size   int
}

// NewPage bounds number and size: a number below 1 becomes 1, a size below
// 1 becomes DefaultPageSize and a size above MaxPageSize is capped.
func NewPage(number, size int) Page {
	if number < 1 {
		number = 1
	}
	switch {
	case size < 1:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return Page{Number: number, Size: size}
}

// ParsePage builds a Page from raw query values. Unparseable values fall
// back to the first page and the default size.
func ParsePage(number, size string) Page {
	return NewPage(AtoiDefault(number, 1), AtoiDefault(size, DefaultPageSize))
}

// Offset is the number of rows skipped before this page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages reports how many pages hold total rows.
func (p Page) TotalPages(total int64) int {
	if total <= 0 || p.Size <= 0 {
		return 0
	}
	return int((total + int64(p.Size) - 1) / int64(p.Size))
}

// HasNext reports whether rows remain after this page.
func (p Page) HasNext(total int64) bool {
	return p.Number < p.TotalPages(total)
}

// AtoiDefault parses s as a base-10 int after trimming spaces, returning def
// when s is blank or not a number.
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
