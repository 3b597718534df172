package repo

import (
	"fmt"
	"regexp"
	"strings"
)

// Scope says which nodes relative to Selector.Root a query addresses.
type Scope int

const (
	ScopeExact Scope = iota
	ScopeChildren
	ScopeDescendants
)

// Selector is the parsed form of a supported query statement.
type Selector struct {
	Root  string
	Scope Scope
	// Type restricts matches to a primary type; empty matches any type.
	Type string
}

// anyType is the SQL type name that matches every node.
const anyType = "nt:base"

var (
	elementPattern = regexp.MustCompile(`^element\(\s*\*\s*(?:,\s*([^\s)]+)\s*)?\)$`)
	sqlPattern     = regexp.MustCompile(`(?i)^\s*select\s+\*\s+from\s+\[([^\]]+)\](?:\s+as\s+\w+)?(?:\s+where\s+isdescendantnode\(\s*(?:\w+\s*,\s*)?'([^']+)'\s*\))?\s*;?\s*$`)
)

// ParseQuery turns a statement in the supported XPATH or SQL subset into a
// Selector. Anything outside the subset is an error.
//
// XPATH: "/a/b" (exact), "/a/b/*" (children), "/a/b//*" and
// "/a/b//element(*, type)" (descendants), optionally prefixed by "/jcr:root".
// SQL: "SELECT * FROM [type] [WHERE ISDESCENDANTNODE('/a/b')]".
func ParseQuery(statement string, lang QueryLanguage) (Selector, error) {
	switch lang {
	case XPath:
		return parseXPath(statement)
	case SQL:
		return parseSQL(statement)
	default:
		return Selector{}, fmt.Errorf("unsupported query language %q", lang)
	}
}

func parseXPath(statement string) (Selector, error) {
	s := strings.TrimSpace(statement)
	s = strings.TrimPrefix(s, "/jcr:root")
	if s == "" {
		s = "/"
	}
	if !strings.HasPrefix(s, "/") {
		return Selector{}, fmt.Errorf("xpath query must be absolute: %q", statement)
	}

	if idx := strings.Index(s, "//"); idx >= 0 {
		root, rest := s[:idx], s[idx+2:]
		if root == "" {
			root = "/"
		}
		if rest == "*" {
			return Selector{Root: root, Scope: ScopeDescendants}, nil
		}
		m := elementPattern.FindStringSubmatch(rest)
		if m == nil {
			return Selector{}, fmt.Errorf("unsupported xpath step %q", rest)
		}
		return Selector{Root: root, Scope: ScopeDescendants, Type: m[1]}, nil
	}

	if strings.ContainsAny(s, "[]()@=") {
		return Selector{}, fmt.Errorf("unsupported xpath predicate in %q", statement)
	}
	if strings.HasSuffix(s, "/*") {
		root := strings.TrimSuffix(s, "/*")
		if root == "" {
			root = "/"
		}
		return Selector{Root: root, Scope: ScopeChildren}, nil
	}
	if len(s) > 1 {
		s = strings.TrimSuffix(s, "/")
	}
	return Selector{Root: s, Scope: ScopeExact}, nil
}

func parseSQL(statement string) (Selector, error) {
	m := sqlPattern.FindStringSubmatch(statement)
	if m == nil {
		return Selector{}, fmt.Errorf("unsupported sql query %q", statement)
	}
	sel := Selector{Root: "/", Scope: ScopeDescendants, Type: m[1]}
	if sel.Type == anyType {
		sel.Type = ""
	}
	if m[2] != "" {
		sel.Root = strings.TrimSuffix(m[2], "/")
		if sel.Root == "" {
			sel.Root = "/"
		}
	}
	return sel, nil
}
