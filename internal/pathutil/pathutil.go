// Package pathutil provides the path-normalization and containment helpers
// shared by the scanner, watcher, restore, and registry packages.
package pathutil

import (
	"path/filepath"
	"strings"
)

// Normalize returns p in absolute, canonical form with no trailing
// separator, no "." components and no unresolved ".." components.
func Normalize(p string) (string, error) {
	p = strings.TrimSpace(p)

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	return filepath.Clean(abs), nil
}

// IsSubpath reports whether candidate is base itself or lies underneath it.
// Both paths are compared after filepath.Clean; callers that need absolute
// semantics should normalize first.
func IsSubpath(candidate, base string) bool {
	candidate = filepath.Clean(candidate)
	base = filepath.Clean(base)

	if candidate == base {
		return true
	}

	rel, err := filepath.Rel(base, candidate)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// RewriteLinkTarget rewrites an absolute symlink literal that points inside
// fromRoot so that it instead points at the equivalent location under
// toRoot. Relative links and absolute links outside fromRoot are returned
// unchanged, per spec.md §4.G.
func RewriteLinkTarget(link, fromRoot, toRoot string) string {
	if !filepath.IsAbs(link) {
		return link
	}

	cleanLink := filepath.Clean(link)
	cleanFrom := filepath.Clean(fromRoot)

	if !IsSubpath(cleanLink, cleanFrom) {
		return link
	}

	rel, err := filepath.Rel(cleanFrom, cleanLink)
	if err != nil {
		return link
	}

	if rel == "." {
		return filepath.Clean(toRoot)
	}

	return filepath.Join(toRoot, rel)
}

// Rel returns the relative path of full beneath root, using "." for root
// itself. Callers emitting ChangeEvents skip "." (spec.md §3).
func Rel(root, full string) (string, error) {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return "", err
	}

	return filepath.Clean(rel), nil
}

// Escapes reports whether rel (as returned by Rel) escapes its root, i.e.
// is ".." or starts with ".." followed by a separator.
func Escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
