package retrieval

import (
	"fmt"
	"strings"
)

// SynonymExpander holds an immutable mapping from canonical term to its
// surface forms. Expansion is strictly additive: it is used to build a
// search-only string and never replaces the original query text passed to
// the Answer Generator.
type SynonymExpander struct {
	bySurfaceForm map[string][]string // surface form (lowercase) -> canonical's sibling forms, self excluded
}

// Lexicon is the on-disk shape of the synonym table (loaded via pkg/config).
type Lexicon map[string][]string

// NewSynonymExpander builds an expander from a canonical-term -> surface-forms
// lexicon. Every entry is validated: a canonical term must not map to itself,
// and no surface form may be empty.
func NewSynonymExpander(lexicon Lexicon) (*SynonymExpander, error) {
	index := make(map[string][]string)
	for canonical, forms := range lexicon {
		canonical = strings.ToLower(strings.TrimSpace(canonical))
		if canonical == "" {
			return nil, fmt.Errorf("retrieval: synonym lexicon has an empty canonical term")
		}
		group := make([]string, 0, len(forms)+1)
		group = append(group, canonical)
		for _, f := range forms {
			f = strings.ToLower(strings.TrimSpace(f))
			if f == "" {
				return nil, fmt.Errorf("retrieval: synonym lexicon entry %q has an empty surface form", canonical)
			}
			if f == canonical {
				return nil, fmt.Errorf("retrieval: synonym lexicon entry %q maps to itself", canonical)
			}
			group = append(group, f)
		}
		for _, member := range group {
			var siblings []string
			for _, other := range group {
				if other != member {
					siblings = append(siblings, other)
				}
			}
			index[member] = append(index[member], siblings...)
		}
	}
	return &SynonymExpander{bySurfaceForm: index}, nil
}

// Vocabulary returns the set of every surface form and canonical term known
// to the lexicon, lowercased — the domain vocabulary condition (c) of the
// Conversation Memory follow-up test (spec.md §4.5) checks a query's tokens
// against. The returned map must not be mutated by callers.
func (e *SynonymExpander) Vocabulary() map[string]bool {
	vocab := make(map[string]bool, len(e.bySurfaceForm))
	for term := range e.bySurfaceForm {
		vocab[term] = true
	}
	return vocab
}

// Expand returns the original tokens of a normalized query plus every
// synonym-expanded variant, joined into a single search-only string. The
// original query text is unaffected — callers must keep it separately for
// prompting.
func (e *SynonymExpander) Expand(normalizedQuery string) (expanded string, applied []string) {
	tokens := Tokens(normalizedQuery)
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	var appliedSet []string
	appliedSeen := make(map[string]bool)
	for _, t := range tokens {
		for _, syn := range e.bySurfaceForm[t] {
			if !seen[syn] {
				seen[syn] = true
				out = append(out, syn)
			}
			if !appliedSeen[syn] {
				appliedSeen[syn] = true
				appliedSet = append(appliedSet, syn)
			}
		}
	}
	return strings.Join(out, " "), appliedSet
}
