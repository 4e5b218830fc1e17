// Package sqlident quotes SQL identifiers and literals for the templates the
// engine builds internally. It exists so no other package reaches for its
// own ad hoc string escaping when it needs to embed a schema, table, or
// column name into generated SQL.
package sqlident

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Quote double-quotes a single identifier, escaping embedded quotes.
func Quote(ident string) string {
	return pq.QuoteIdentifier(ident)
}

// QuoteQualified quotes a schema-qualified identifier as "schema"."name".
func QuoteQualified(schema, name string) string {
	if schema == "" {
		return Quote(name)
	}
	return Quote(schema) + "." + Quote(name)
}

// QuoteList quotes each identifier and joins them with commas, optionally
// prefixed with a quoted table alias (e.g. QuoteList([]string{"a","b"}, "q")
// -> `"q"."a", "q"."b"`).
func QuoteList(idents []string, alias string) string {
	parts := make([]string, len(idents))
	for i, id := range idents {
		if alias == "" {
			parts[i] = Quote(id)
		} else {
			parts[i] = fmt.Sprintf("%s.%s", Quote(alias), Quote(id))
		}
	}
	return strings.Join(parts, ", ")
}

// Literal single-quotes a string literal, escaping embedded quotes and
// backslashes the way Postgres expects.
func Literal(s string) string {
	return pq.QuoteLiteral(s)
}
