package pipeline

import (
	"strings"
	"time"
	"unicode"
)

// ProjectName derives a directory-safe name from the first three words of
// the requirement plus a timestamp.
func ProjectName(requirement string, now time.Time) string {
	words := strings.FieldsFunc(strings.ToLower(requirement), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var kept []string
	for _, w := range words {
		if !isASCIIAlnum(w) {
			continue
		}
		kept = append(kept, w)
		if len(kept) == 3 {
			break
		}
	}
	base := "project"
	if len(kept) > 0 {
		base = strings.Join(kept, "_")
	}
	return base + "_" + now.Format("20060102_150405")
}

func isASCIIAlnum(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return s != ""
}
