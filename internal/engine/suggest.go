package engine

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// suggestThreshold is the minimum Jaro-Winkler score for a catalog type to be
// offered as a correction.
const suggestThreshold = 0.85

// closestSound returns the catalog type most similar to typ, compared
// case-insensitively. It returns "" when nothing scores above
// [suggestThreshold].
func closestSound(typ string, types []string) string {
	in := strings.ToLower(typ)
	best, bestScore := "", suggestThreshold
	for _, t := range types {
		if s := matchr.JaroWinkler(in, strings.ToLower(t), false); s > bestScore {
			best, bestScore = t, s
		}
	}
	return best
}
