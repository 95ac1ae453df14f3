package extract

import (
	"regexp"
	"strings"

	"github.com/araddon/dateparse"
)

var (
	isoDate       = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	isoDateOffset = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})(?:[+-]\d{2}:\d{2}|Z)$`)
)

// NormalizeDate reduces TSDR date strings to YYYY-MM-DD. TSDR emits dates
// with a trailing UTC offset ("2025-08-19-04:00"); those lose the offset.
// Already-normalized strings pass through, anything else goes through
// generic parsing, and an unparsable string is returned verbatim rather
// than failing the record.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if isoDate.MatchString(s) {
		return s
	}
	if m := isoDateOffset.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if t, err := dateparse.ParseAny(s); err == nil {
		return t.Format("2006-01-02")
	}
	return s
}
