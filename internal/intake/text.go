package intake

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldName normalizes supplier/carrier names before comparison: accents are
// stripped and case and surrounding space ignored, so "Transportes São João"
// matches "TRANSPORTES SAO JOAO".
func foldName(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		out = s
	}
	return strings.ToUpper(strings.Join(strings.Fields(out), " "))
}

// namesMatch compares two names after folding. Empty strings never match.
func namesMatch(a, b string) bool {
	fa, fb := foldName(a), foldName(b)
	return fa != "" && fa == fb
}
