package debugcycle

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"buildloop/pkg/actor"
)

// Fingerprint identifies a patch independent of edit order, line endings and
// trailing whitespace at the end of each file.
func Fingerprint(edits []actor.FileEdit) string {
	normalized := make([]actor.FileEdit, len(edits))
	for i, e := range edits {
		content := strings.ReplaceAll(e.Content, "\r\n", "\n")
		if e.Mode == actor.ModeDelete {
			content = ""
		}
		normalized[i] = actor.FileEdit{
			Path:    e.CleanPath(),
			Mode:    e.Mode,
			Content: strings.TrimRight(content, " \t\n"),
		}
	}
	sort.Slice(normalized, func(i, j int) bool {
		if normalized[i].Path != normalized[j].Path {
			return normalized[i].Path < normalized[j].Path
		}
		return normalized[i].Mode < normalized[j].Mode
	})

	h, _ := blake2b.New256(nil)
	for _, e := range normalized {
		h.Write([]byte(e.Path))
		h.Write([]byte{0})
		h.Write([]byte(e.Mode))
		h.Write([]byte{0})
		h.Write([]byte(e.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
