package cache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint derives the deterministic cache key for one unit of work:
// one stage, one model, one normalized prompt context. Normalization
// collapses whitespace so cosmetically different but identical contexts
// share an entry.
func Fingerprint(stage int, model, context string) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%d|%s|", stage, model)
	h.WriteString(normalize(context))
	return fmt.Sprintf("%016x", h.Sum64())
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
