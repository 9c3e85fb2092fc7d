package spreadsheet

import "strings"

// SubtitleSeparator splits the positional card subtitle segments.
const SubtitleSeparator = " / "

// Subtitle is the positional breakdown of an item's card subtitle:
// year / country / type / director / cast.
type Subtitle struct {
	Year     string
	Country  string
	Type     string
	Director string
	Cast     string
}

// ParseSubtitle splits raw on SubtitleSeparator. Missing segments are empty;
// segments beyond the fifth are ignored.
func ParseSubtitle(raw string) Subtitle {
	parts := strings.Split(raw, SubtitleSeparator)
	at := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}
	return Subtitle{
		Year:     at(0),
		Country:  at(1),
		Type:     at(2),
		Director: at(3),
		Cast:     at(4),
	}
}
