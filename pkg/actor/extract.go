package actor

import (
	"fmt"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)\\s*\\n(.*?)```")

// ExtractJSON returns the JSON object carried by a model reply. A fenced json
// block wins; otherwise the first balanced object in the text is used.
func ExtractJSON(reply string) (string, error) {
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		body := strings.TrimSpace(m[1])
		if body != "" {
			return body, nil
		}
	}

	start := -1
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(reply); i++ {
		c := reply[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if start == -1 {
				continue
			}
			depth--
			if depth == 0 {
				return reply[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("no JSON object found in reply")
}
