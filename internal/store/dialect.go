package store

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL databases the SQLStore
// runs on. Queries are written with '?' placeholders and rebound per dialect.
type Dialect struct {
	// Name is the database/sql driver name.
	Name string

	// Schema is the DDL applied on open, one statement per ';'.
	Schema string

	// ForUpdate is appended to the current-epoch lookup inside write
	// transactions to take a row lock. Empty where the database locks the
	// whole file instead.
	ForUpdate string

	// Numbered selects $1, $2, ... placeholders instead of '?'.
	Numbered bool

	// IsConstraint reports whether a driver error is a constraint violation.
	IsConstraint func(error) bool
}

// Rebind rewrites '?' placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// statements splits the schema into individual statements.
func (d Dialect) statements() []string {
	var out []string
	for _, stmt := range strings.Split(d.Schema, ";") {
		if s := strings.TrimSpace(stripComments(stmt)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "--") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}
