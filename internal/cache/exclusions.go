package cache

import (
	"fmt"
	"regexp"
	"strings"
)

const familyRulePrefix = "family:"

// ExclusionList decides whether responses of a backend model id must not be
// cached. Rules come in three forms:
//
//	meta.llama3-8b-instruct-v1:0   exact backend model id
//	family:claude                  every id whose family prefix is claude
//	^amazon\.titan-embed           regular expression (pattern list only)
//
// A nil *ExclusionList never matches.
type ExclusionList struct {
	exact    map[string]struct{}
	families []string
	patterns []*regexp.Regexp
}

// FamilyOf maps a backend id to its family name; it is injected so the
// cache does not depend on the resolver package.
type FamilyOf func(backendID string) string

// NewExclusionList compiles exact/family rules and regex patterns. A
// pattern that fails to compile is an error so misconfiguration surfaces at
// startup.
func NewExclusionList(rules, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(rules))}

	for _, r := range rules {
		r = strings.TrimSpace(r)
		switch {
		case r == "":
		case strings.HasPrefix(r, familyRulePrefix):
			if fam := strings.TrimPrefix(r, familyRulePrefix); fam != "" {
				el.families = append(el.families, strings.ToLower(fam))
			}
		default:
			el.exact[r] = struct{}{}
		}
	}

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether backendID is excluded. family may be nil, in which
// case family rules never match.
func (el *ExclusionList) Matches(backendID string, family FamilyOf) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[backendID]; ok {
		return true
	}
	if family != nil && len(el.families) > 0 {
		fam := family(backendID)
		for _, f := range el.families {
			if f == fam {
				return true
			}
		}
	}
	for _, re := range el.patterns {
		if re.MatchString(backendID) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.families) + len(el.patterns)
}
