// Package slug turns work item owners and titles into names safe for paths and refs.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxRunes caps slugs so worktree paths stay well under filesystem limits.
const MaxRunes = 64

// Slugify lowercases text, folds accents to ASCII and joins the remaining words with hyphens.
// Characters with no ASCII form are dropped. The result never starts or ends with a hyphen.
func Slugify(text string) string {
	// NFKD splits "é" into "e" plus a combining accent we can drop.
	folded := norm.NFKD.String(strings.TrimSpace(text))

	var builder strings.Builder
	builder.Grow(len(folded))
	count := 0
	pendingHyphen := false
	for _, r := range folded {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		r = unicode.ToLower(r)
		if !isSlugRune(r) {
			pendingHyphen = count > 0
			continue
		}
		if pendingHyphen {
			if count+1 >= MaxRunes {
				break
			}
			builder.WriteByte('-')
			count++
			pendingHyphen = false
		}
		if count >= MaxRunes {
			break
		}
		builder.WriteRune(r)
		count++
	}
	return builder.String()
}

func isSlugRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}
