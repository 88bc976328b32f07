// Package modelmap turns loosely specified client model names into Bedrock
// model identifiers.
//
// Resolution order:
//  1. embedding intent ("embed" anywhere in the name) → DefaultEmbeddingModel
//  2. empty catalog → not found
//  3. alias table on the normalized token
//  4. best fuzzy match against the catalog, same-family candidates boosted
//
// Callers apply FamilyFallback when Resolve reports a miss.
package modelmap

import "strings"

// Family is one of the supported backend model product lines.
type Family string

const (
	FamilyUnknown Family = ""
	FamilyLlama   Family = "llama"
	FamilyClaude  Family = "claude"
	FamilyTitan   Family = "titan"
)

// Backend identifier prefixes, one per family.
const (
	PrefixLlama  = "meta.llama"
	PrefixClaude = "anthropic.claude"
	PrefixTitan  = "amazon.titan"
)

// Default backend identifiers.
const (
	DefaultLlamaModel     = "meta.llama3-8b-instruct-v1:0"
	DefaultClaudeModel    = "anthropic.claude-3-haiku-20240307-v1:0"
	DefaultEmbeddingModel = "amazon.titan-embed-text-v1"
)

var familyPrefixes = []struct {
	family Family
	prefix string
}{
	{FamilyLlama, PrefixLlama},
	{FamilyClaude, PrefixClaude},
	{FamilyTitan, PrefixTitan},
}

// Families lists the supported families in keyword-matching order.
var Families = []Family{FamilyLlama, FamilyClaude, FamilyTitan}

// FamilyOf returns the family of a backend identifier by prefix.
func FamilyOf(backendID string) Family {
	for _, fp := range familyPrefixes {
		if strings.HasPrefix(backendID, fp.prefix) {
			return fp.family
		}
	}
	return FamilyUnknown
}

// String returns the family keyword, or "unknown".
func (f Family) String() string {
	if f == FamilyUnknown {
		return "unknown"
	}
	return string(f)
}

// sharedFamily reports whether both normalized tokens mention the same
// family keyword.
func sharedFamily(a, b string) bool {
	for _, f := range Families {
		kw := string(f)
		if strings.Contains(a, kw) && strings.Contains(b, kw) {
			return true
		}
	}
	return false
}

// FamilyFallback picks a default backend identifier for a client id that
// could not be resolved.
//
//	token contains "llama"  → DefaultLlamaModel
//	token contains "claude" → DefaultClaudeModel
//	anything else           → DefaultLlamaModel
func FamilyFallback(clientID string) string {
	token := Normalize(clientID)
	switch {
	case strings.Contains(token, string(FamilyLlama)):
		return DefaultLlamaModel
	case strings.Contains(token, string(FamilyClaude)):
		return DefaultClaudeModel
	default:
		return DefaultLlamaModel
	}
}
