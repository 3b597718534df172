// Package pathutil provides repository path helpers: index-notation stripping,
// segment encoding and content-kind shape checks.
package pathutil

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Default repository roots for the two content kinds.
var (
	DefaultBinaryRoots   = []string{"/content/gallery", "/content/assets"}
	DefaultDocumentRoots = []string{"/content/documents"}
)

// StripIndexNotation removes every same-name-sibling index ("name[2]") from
// each segment of p. The result never contains '[' or ']'.
func StripIndexNotation(p string) string {
	if !strings.ContainsAny(p, "[]") {
		return p
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = stripSegmentIndex(seg)
	}
	return strings.Join(segments, "/")
}

func stripSegmentIndex(seg string) string {
	var b strings.Builder
	depth := 0
	for _, r := range seg {
		switch {
		case r == '[':
			depth++
		case r == ']':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Encode lower-cases every segment of p, folds diacritics and replaces any rune
// that is not a letter, digit, '-', '_' or '.' with '-'. Slashes are kept as-is,
// so leading and trailing separators survive. Encode is idempotent.
func Encode(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = encodeSegment(seg)
	}
	return strings.Join(segments, "/")
}

func encodeSegment(seg string) string {
	if seg == "" {
		return seg
	}
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), seg)
	if err != nil {
		folded = seg
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// IsUnder reports whether p equals root or lies below it.
func IsUnder(p, root string) bool {
	root = strings.TrimSuffix(root, "/")
	if root == "" {
		return strings.HasPrefix(p, "/")
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

func isUnderAny(p string, roots []string) bool {
	for _, root := range roots {
		if IsUnder(p, root) {
			return true
		}
	}
	return false
}

// IsBinaryPath reports whether p has the shape of a binary (gallery or asset)
// path. Nil roots fall back to DefaultBinaryRoots.
func IsBinaryPath(p string, roots []string) bool {
	if roots == nil {
		roots = DefaultBinaryRoots
	}
	return isUnderAny(p, roots)
}

// IsDocumentPath reports whether p has the shape of a document path. Nil roots
// fall back to DefaultDocumentRoots.
func IsDocumentPath(p string, roots []string) bool {
	if roots == nil {
		roots = DefaultDocumentRoots
	}
	return isUnderAny(p, roots)
}

// MatchAny reports whether p matches at least one pattern. A pattern ending in
// "/**" matches the whole subtree; anything else is a path.Match glob.
func MatchAny(p string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/**") {
			if IsUnder(p, strings.TrimSuffix(pattern, "/**")) {
				return true
			}
			continue
		}
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

// Parent returns the parent of a slash path ("/" for top-level nodes).
func Parent(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	return path.Dir(strings.TrimSuffix(p, "/"))
}

// Name returns the last segment of p.
func Name(p string) string {
	return path.Base(strings.TrimSuffix(p, "/"))
}

// Join joins slash path segments and cleans the result.
func Join(parts ...string) string {
	return path.Join(parts...)
}
