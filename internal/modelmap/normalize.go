package modelmap

import (
	"regexp"
	"strings"
)

var (
	separatorRe = regexp.MustCompile(`[-/:\s_]`)
	versionRe   = regexp.MustCompile(`v\d+`)

	// Vendor-qualified family names collapse to the bare family name so that
	// "meta-llama/..." and "meta.llama..." compare equal to "llama...".
	vendorPrefixes = []struct {
		re     *regexp.Regexp
		family string
	}{
		{regexp.MustCompile(`^meta[.-]?llama/?`), string(FamilyLlama)},
		{regexp.MustCompile(`^anthropic[.-]?claude/?`), string(FamilyClaude)},
		{regexp.MustCompile(`^amazon[.-]?titan/?`), string(FamilyTitan)},
	}
)

// Normalize canonicalizes a model identifier into a comparison token.
// The result is only meant for matching and is never shown to clients.
//
//	"meta-llama/Meta-Llama-3-8B-Instruct" → "llamametallama38binstruct"
//	"meta.llama3-8b-instruct-v1:0"        → "llama38binstruct"
func Normalize(id string) string {
	s := strings.ToLower(id)
	s = separatorRe.ReplaceAllString(s, "")
	s = versionRe.ReplaceAllString(s, "")
	for _, p := range vendorPrefixes {
		s = p.re.ReplaceAllString(s, p.family)
	}
	return s
}
