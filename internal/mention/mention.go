// Package mention extracts @handle references from free text and resolves
// them against the registered agent directory.
package mention

import (
	"context"
	"regexp"
	"sort"

	"go.uber.org/zap"
)

var handleRe = regexp.MustCompile(`@(\w+)`)

// Parse returns the deduplicated set of @handles in text, sorted for
// determinism. Extraction is pure; whether a handle names a real agent is
// the Validator's concern.
func Parse(text string) []string {
	matches := handleRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var handles []string
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		handles = append(handles, m[1])
	}
	sort.Strings(handles)
	return handles
}

// LookupFunc resolves an agent name to its ID. ok is false when no agent
// has that exact name.
type LookupFunc func(ctx context.Context, name string) (id string, ok bool, err error)

// Resolved is a handle confirmed to name a registered agent.
type Resolved struct {
	ID   string
	Name string
}

// Validator filters candidate handles down to registered agents.
type Validator struct {
	lookup LookupFunc
	logger *zap.Logger
}

// NewValidator creates a validator backed by the given directory lookup.
func NewValidator(lookup LookupFunc, logger *zap.Logger) *Validator {
	return &Validator{lookup: lookup, logger: logger}
}

// Resolve returns the subset of handles matching registered agent names.
// Matching is exact and case-sensitive; unknown handles are dropped, never
// an error. Directory failures other than not-found propagate.
func (v *Validator) Resolve(ctx context.Context, handles []string) ([]Resolved, error) {
	var out []Resolved
	for _, h := range handles {
		id, ok, err := v.lookup(ctx, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			v.logger.Debug("dropping unknown mention", zap.String("handle", h))
			continue
		}
		out = append(out, Resolved{ID: id, Name: h})
	}
	return out, nil
}
