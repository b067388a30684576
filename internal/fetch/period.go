package fetch

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidPeriod rejects competência values that are not exactly six
// digits in MMYYYY form with a real month.
var ErrInvalidPeriod = errors.New("competencia must be 6 digits in MMYYYY form (ex: 112025)")

// Period is a billing competência (month + year).
type Period struct {
	Month int
	Year  int
}

// ParsePeriod parses the MMYYYY wire form used by submit requests.
func ParsePeriod(s string) (Period, error) {
	if len(s) != 6 {
		return Period{}, ErrInvalidPeriod
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Period{}, ErrInvalidPeriod
		}
	}
	month, _ := strconv.Atoi(s[:2])
	year, _ := strconv.Atoi(s[2:])
	if month < 1 || month > 12 || year < 1 {
		return Period{}, ErrInvalidPeriod
	}
	return Period{Month: month, Year: year}, nil
}

// String renders the period the way the portal table shows it: "MM/YYYY".
func (p Period) String() string {
	return fmt.Sprintf("%02d/%04d", p.Month, p.Year)
}

// Folder renders the filesystem-safe path segment: "MM-YYYY".
func (p Period) Folder() string {
	return fmt.Sprintf("%02d-%04d", p.Month, p.Year)
}
