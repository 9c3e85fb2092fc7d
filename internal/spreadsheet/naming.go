package spreadsheet

import (
	"strings"
	"time"
)

const timestampLayout = "20060102_150405"

// FileName renders <prefix>_<tags>_YYYYMMDD_HHMMSS.xlsx. Empty tags are
// omitted and path separators in tags are replaced.
func FileName(prefix, tags string, at time.Time) string {
	parts := []string{prefix}
	if t := sanitize(tags); t != "" {
		parts = append(parts, t)
	}
	parts = append(parts, at.Format(timestampLayout))
	return strings.Join(parts, "_") + ".xlsx"
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		default:
			return r
		}
	}, s)
}
