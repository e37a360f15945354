// Package tenant injects the tenant-isolation predicate into query templates
// and enforces the cross-tenant access rule. It is defense in depth on top
// of the database's own row filters and must never be skipped.
package tenant

import (
	"errors"
	"fmt"
	"strings"

	"process-sentinel/internal/auth"
)

var (
	// ErrGuardMisuse marks a programmer error: empty tenant, empty SQL, or a
	// template the tokenizer cannot scan.
	ErrGuardMisuse = errors.New("tenant guard misuse")
	// ErrCrossTenant is the access-rule violation surfaced as HTTP 403.
	ErrCrossTenant = errors.New("cross-tenant access denied")
)

// Guard rewrites SQL templates so every statement filters on the isolation
// column. The tenant value itself is always bound, never spliced into text.
type Guard struct {
	column string
}

func NewGuard(column string) Guard {
	if column == "" {
		column = "tenant_id"
	}
	return Guard{column: column}
}

const (
	kindWhere = iota
	kindOrderOrGroup
)

type keywordPos struct {
	kind  int
	start int
	end   int
}

// Apply returns the template with `<column> = :tenant_id` injected: ANDed
// into an existing WHERE, or as a new WHERE before the first ORDER BY or
// GROUP BY, or appended. The caller binds tenantID to :tenant_id.
func (g Guard) Apply(query, tenantID string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("%w: empty query", ErrGuardMisuse)
	}
	if tenantID == "" {
		return "", fmt.Errorf("%w: empty tenant", ErrGuardMisuse)
	}

	kw, found, err := firstKeyword(query)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGuardMisuse, err)
	}

	pred := g.column + " = :tenant_id"
	switch {
	case !found:
		return strings.TrimRight(query, " \t\r\n") + " WHERE " + pred, nil
	case kw.kind == kindWhere:
		return query[:kw.end] + " " + pred + " AND" + query[kw.end:], nil
	default:
		return query[:kw.start] + "WHERE " + pred + " " + query[kw.start:], nil
	}
}

// CheckAccess permits system principals, admins, and same-tenant access.
func CheckAccess(tc auth.TenantContext, target string) error {
	if tc.Privileged() || tc.TenantID == target {
		return nil
	}
	return ErrCrossTenant
}

// firstKeyword scans for the first WHERE, ORDER BY, or GROUP BY that sits
// outside quoted literals and on identifier boundaries. The scan is
// case-insensitive; quotes follow SQL doubling rules, which fall out of
// plain toggling because escaped quotes come in pairs.
func firstKeyword(query string) (keywordPos, bool, error) {
	var inSingle, inDouble bool
	for i := 0; i < len(query); i++ {
		c := query[i]
		if inSingle {
			if c == '\'' {
				inSingle = false
			}
			continue
		}
		if inDouble {
			if c == '"' {
				inDouble = false
			}
			continue
		}
		switch c {
		case '\'':
			inSingle = true
			continue
		case '"':
			inDouble = true
			continue
		}
		if i > 0 && isIdentChar(query[i-1]) {
			continue
		}
		if kw, ok := keywordAt(query, i); ok {
			return kw, true, nil
		}
	}
	if inSingle || inDouble {
		return keywordPos{}, false, errors.New("unterminated string literal")
	}
	return keywordPos{}, false, nil
}

func keywordAt(query string, i int) (keywordPos, bool) {
	if end, ok := wordAt(query, i, "WHERE"); ok {
		return keywordPos{kind: kindWhere, start: i, end: end}, true
	}
	for _, lead := range []string{"ORDER", "GROUP"} {
		end, ok := wordAt(query, i, lead)
		if !ok {
			continue
		}
		j := end
		for j < len(query) && isSpace(query[j]) {
			j++
		}
		if byEnd, ok := wordAt(query, j, "BY"); ok {
			return keywordPos{kind: kindOrderOrGroup, start: i, end: byEnd}, true
		}
	}
	return keywordPos{}, false
}

// wordAt matches word case-insensitively at i with a right identifier
// boundary. The caller has already established the left boundary.
func wordAt(query string, i int, word string) (end int, ok bool) {
	if i+len(word) > len(query) || !strings.EqualFold(query[i:i+len(word)], word) {
		return 0, false
	}
	end = i + len(word)
	if end < len(query) && isIdentChar(query[end]) {
		return 0, false
	}
	return end, true
}

// isIdentChar covers the characters legal in unquoted Oracle identifiers.
func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || c == '#' ||
		'0' <= c && c <= '9' ||
		'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
