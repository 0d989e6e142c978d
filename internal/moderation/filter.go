// Package moderation scans outgoing text for attempts to move a
// conversation off the platform, and applies the configured policy.
package moderation

import (
	"sort"
	"strings"
)

var stripper = strings.NewReplacer(".", "", ",", "", "?", "", "!", "")

// Normalize lowercases text and strips the characters . , ? and !.
func Normalize(text string) string {
	return stripper.Replace(strings.ToLower(text))
}

// Verdict is the result of scanning one message. A blocked verdict is
// information for the caller, never an error.
type Verdict struct {
	Blocked bool     `json:"blocked"`
	Matches []string `json:"matches,omitempty"`
}

// Filter matches normalized text against a fixed term set. Single-word
// terms must equal a whitespace-delimited token; multi-word phrases match
// anywhere in the text. A Filter is immutable and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter builds a filter from terms. Terms are normalized; empty
// entries are ignored.
func NewFilter(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	seen := make(map[string]bool)
	for _, t := range terms {
		t = strings.Join(strings.Fields(Normalize(t)), " ")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		if strings.Contains(t, " ") {
			f.phrases = append(f.phrases, t)
		} else {
			f.words[t] = struct{}{}
		}
	}
	sort.Strings(f.phrases)
	return f
}

// NewDefaultFilter builds a filter from DefaultTerms.
func NewDefaultFilter() *Filter {
	return NewFilter(DefaultTerms)
}

// IsBlocked reports whether text contains a blocked term.
func (f *Filter) IsBlocked(text string) bool {
	return f.Scan(text).Blocked
}

// Scan returns the verdict for text along with every matched term.
func (f *Filter) Scan(text string) Verdict {
	norm := Normalize(text)
	var v Verdict
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(norm) {
		if _, ok := f.words[tok]; ok && !seen[tok] {
			seen[tok] = true
			v.Matches = append(v.Matches, tok)
		}
	}
	collapsed := strings.Join(strings.Fields(norm), " ")
	for _, p := range f.phrases {
		if strings.Contains(collapsed, p) {
			v.Matches = append(v.Matches, p)
		}
	}
	v.Blocked = len(v.Matches) > 0
	return v
}

// Len returns the number of terms in the filter.
func (f *Filter) Len() int {
	return len(f.words) + len(f.phrases)
}
