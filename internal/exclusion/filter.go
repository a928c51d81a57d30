// Package exclusion decides which discovered paths are eligible for scanning.
package exclusion

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mescon/pixelarr/internal/domain"
)

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid exclusion rule")

// NormalizeRule validates r and returns it in canonical form: path prefixes
// must be absolute, extensions are lower-cased with a leading dot.
func NormalizeRule(r domain.ExclusionRule) (domain.ExclusionRule, error) {
	value := strings.TrimSpace(r.Value)
	if value == "" {
		return r, fmt.Errorf("%w: empty value", ErrInvalidRule)
	}

	switch r.Type {
	case domain.RulePathPrefix:
		if !filepath.IsAbs(value) {
			return r, fmt.Errorf("%w: path prefix %q must be absolute", ErrInvalidRule, value)
		}
		// Clean drops a trailing separator, which is significant for prefix matching.
		trailing := strings.HasSuffix(value, string(filepath.Separator))
		value = filepath.Clean(value)
		if trailing && value != string(filepath.Separator) {
			value += string(filepath.Separator)
		}
	case domain.RuleExtension:
		value = strings.ToLower(value)
		if !strings.HasPrefix(value, ".") {
			value = "." + value
		}
		if value == "." || strings.Contains(value, "..") || strings.ContainsAny(value, `/\ `) {
			return r, fmt.Errorf("%w: bad extension %q", ErrInvalidRule, r.Value)
		}
	default:
		return r, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Type)
	}

	r.Value = value
	return r, nil
}

// RulesFromConfig turns the configured path and extension lists into rules,
// dropping (and reporting) entries that fail validation.
func RulesFromConfig(paths, extensions []string) ([]domain.ExclusionRule, []error) {
	var rules []domain.ExclusionRule
	var errs []error
	add := func(t domain.RuleType, v string) {
		r, err := NormalizeRule(domain.ExclusionRule{Type: t, Value: v})
		if err != nil {
			errs = append(errs, err)
			return
		}
		rules = append(rules, r)
	}
	for _, p := range paths {
		add(domain.RulePathPrefix, p)
	}
	for _, e := range extensions {
		add(domain.RuleExtension, e)
	}
	return rules, errs
}

// Filter is an immutable set of exclusion rules. It is built once per
// operation so rule edits take effect on the next start.
type Filter struct {
	prefixes   []string
	extensions map[string]struct{}
}

// New builds a Filter. Invalid rules are rejected as a whole.
func New(rules []domain.ExclusionRule) (*Filter, error) {
	f := &Filter{extensions: make(map[string]struct{})}
	for _, r := range rules {
		n, err := NormalizeRule(r)
		if err != nil {
			return nil, err
		}
		if n.Type == domain.RulePathPrefix {
			f.prefixes = append(f.prefixes, n.Value)
		} else {
			f.extensions[n.Value] = struct{}{}
		}
	}
	return f, nil
}

// Excluded reports whether any rule matches path.
func (f *Filter) Excluded(path string) bool {
	if f.ExcludedPrefix(path) {
		return true
	}
	if len(f.extensions) == 0 {
		return false
	}
	lower := strings.ToLower(path)
	for ext := range f.extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ExcludedPrefix reports whether a path-prefix rule matches path. Walkers use
// it on directories to prune whole subtrees.
func (f *Filter) ExcludedPrefix(path string) bool {
	for _, p := range f.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Eligible reports whether a regular file at path should be scanned and, if
// so, its media category.
func (f *Filter) Eligible(path string) (domain.MediaKind, bool) {
	if IsHiddenOrTemp(filepath.Base(path)) || f.Excluded(path) {
		return domain.MediaUnknown, false
	}
	kind := Classify(path)
	return kind, kind != domain.MediaUnknown
}
