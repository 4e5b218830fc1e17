// Package identity implements the row-identity and revision rewriter: it
// wraps a user-supplied query so every output row carries a stable __id__
// and a monotonically increasing __rev__ column, sourced from hidden
// bookkeeping columns the package maintains on the query's base table.
//
// The rewriter never parses the input SQL. It learns which base relation a
// query reads by asking Postgres's own planner (EXPLAIN), and learns the
// query's declared output columns by asking Postgres's row descriptor
// (introspect.Columns) — both push "understanding" the SQL onto the
// database, not onto an in-process parser.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/driftwood-labs/qwatch/qcore"
	"github.com/driftwood-labs/qwatch/introspect"
	"github.com/driftwood-labs/qwatch/sqlident"
)

// TableRef identifies a base relation by schema-qualified name.
type TableRef struct {
	Schema string
	Name   string
}

func (r TableRef) String() string { return r.Schema + "." + r.Name }

func (r TableRef) quoted() string { return sqlident.QuoteQualified(r.Schema, r.Name) }

// Context holds the identity/revision column names and the shared revision
// sequence for one Engine instance, plus a cache so a given base table's
// columns and triggers are only ever installed once per Context.
type Context struct {
	IDCol  string
	RevCol string

	conn qcore.Connection

	seqOnce sync.Once
	seqErr  error
	seqName string

	mu      sync.Mutex
	ensured map[string]bool
	sf      singleflight.Group
}

// NewContext builds an identity context bound to conn. idCol/revCol default
// to "__id__"/"__rev__" when empty, matching the engine's constructor
// defaults.
func NewContext(conn qcore.Connection, idCol, revCol string) *Context {
	if idCol == "" {
		idCol = "__id__"
	}
	if revCol == "" {
		revCol = "__rev__"
	}
	return &Context{
		IDCol:   idCol,
		RevCol:  revCol,
		conn:    conn,
		ensured: make(map[string]bool),
	}
}

// SequenceName returns the shared, session-scoped revision sequence,
// creating it lazily on first use.
func (c *Context) SequenceName(ctx context.Context) (string, error) {
	c.seqOnce.Do(func() {
		c.seqName = "pg_temp.__qw_rev_seq"
		c.seqErr = c.conn.Exec(ctx, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", c.seqName))
	})
	return c.seqName, c.seqErr
}

var leadingSelect = regexp.MustCompile(`(?is)^\s*SELECT\s+(DISTINCT\s+)?`)

// Rewrite transforms sql so its result carries __id__/__rev__ (or whatever
// names the Context was built with) alongside its original columns, and
// returns the set of base tables it discovered.
//
// Only queries whose EXPLAIN plan touches exactly one base relation are
// supported: composing per-row identity across a join without parsing the
// query's target list to discover which output column came from which
// table isn't something Postgres's introspection surface exposes, so
// multi-relation queries fail fast with KindUnsupportedSource instead of
// guessing.
func (c *Context) Rewrite(ctx context.Context, sql string) (string, map[string]TableRef, []string, error) {
	tables, err := c.discoverBaseTables(ctx, sql)
	if err != nil {
		return "", nil, nil, err
	}
	if len(tables) == 0 {
		return "", nil, nil, &qcore.Error{Kind: qcore.KindUnsupportedSource, Err: fmt.Errorf("query reads no base table")}
	}
	if len(tables) > 1 {
		names := make([]string, 0, len(tables))
		for k := range tables {
			names = append(names, k)
		}
		return "", nil, nil, qcore.NewRelErr(qcore.KindUnsupportedSource, strings.Join(names, ", "),
			fmt.Errorf("query spans more than one base relation; identity composition across joins is not supported"))
	}

	var ref TableRef
	for _, v := range tables {
		ref = v
	}
	if err := c.ensureBaseTable(ctx, ref); err != nil {
		return "", nil, nil, err
	}

	if !leadingSelect.MatchString(sql) {
		return "", nil, nil, qcore.NewRelErr(qcore.KindUnsupportedSource, ref.String(),
			fmt.Errorf("query does not start with a plain SELECT; leading CTEs are not supported by the rewriter"))
	}

	prefix := fmt.Sprintf("%s AS %s, %s AS %s, ",
		sqlident.Quote(c.IDCol), sqlident.Quote("__qw_base_id"),
		sqlident.Quote(c.RevCol), sqlident.Quote("__qw_base_rev"))
	withMeta := leadingSelect.ReplaceAllStringFunc(sql, func(m string) string { return m + prefix })

	cols, err := introspect.Columns(ctx, c.conn, withMeta)
	if err != nil {
		return "", nil, nil, err
	}
	if len(cols) < 2 {
		return "", nil, nil, &qcore.Error{Kind: qcore.KindIntrospection, Err: fmt.Errorf("unexpected column set from rewritten query")}
	}
	userCols := cols[2:]

	rewritten := fmt.Sprintf(
		"SELECT %s, md5(q.%s::text) AS %s, q.%s AS %s FROM (%s) AS q",
		sqlident.QuoteList(userCols, "q"),
		sqlident.Quote("__qw_base_id"), sqlident.Quote(c.IDCol),
		sqlident.Quote("__qw_base_rev"), sqlident.Quote(c.RevCol),
		withMeta,
	)
	return rewritten, tables, userCols, nil
}

// discoverBaseTables asks Postgres's planner which base relations sql
// reads, via EXPLAIN (VERBOSE, FORMAT JSON); VERBOSE is what makes each
// scan node report its "Schema". This is database introspection, not
// SQL text parsing: the engine never builds its own AST of sql.
func (c *Context) discoverBaseTables(ctx context.Context, sql string) (map[string]TableRef, error) {
	rows, err := c.conn.Query(ctx, "EXPLAIN (VERBOSE, FORMAT JSON) "+sql)
	if err != nil {
		return nil, fmt.Errorf("qwatch/identity: explain: %w", err)
	}
	defer rows.Close()

	var raw string
	if rows.Next() {
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("qwatch/identity: explain scan: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("qwatch/identity: explain: %w", err)
	}

	var plans []map[string]any
	if err := json.Unmarshal([]byte(raw), &plans); err != nil {
		return nil, fmt.Errorf("qwatch/identity: parse explain output: %w", err)
	}

	tables := make(map[string]TableRef)
	for _, p := range plans {
		if node, ok := p["Plan"].(map[string]any); ok {
			collectRelations(node, tables)
		}
	}
	return tables, nil
}

func collectRelations(node map[string]any, out map[string]TableRef) {
	name, hasName := node["Relation Name"].(string)
	schema, hasSchema := node["Schema"].(string)
	if hasName {
		if !hasSchema || schema == "" {
			schema = "public"
		}
		ref := TableRef{Schema: schema, Name: name}
		out[ref.String()] = ref
	}
	if children, ok := node["Plans"].([]any); ok {
		for _, child := range children {
			if cm, ok := child.(map[string]any); ok {
				collectRelations(cm, out)
			}
		}
	}
}

// ensureBaseTable adds the identity/revision columns and their populating
// triggers to ref if they aren't already present, exactly once per table
// for the lifetime of this Context — concurrent first callers for the same
// table share a single installation via singleflight.
func (c *Context) ensureBaseTable(ctx context.Context, ref TableRef) error {
	c.mu.Lock()
	done := c.ensured[ref.String()]
	c.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := c.sf.Do(ref.String(), func() (any, error) {
		if err := c.installColumnsAndTriggers(ctx, ref); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.ensured[ref.String()] = true
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return qcore.NewRelErr(qcore.KindUnsupportedSource, ref.String(), err)
	}
	return nil
}

func (c *Context) installColumnsAndTriggers(ctx context.Context, ref TableRef) error {
	seq, err := c.SequenceName(ctx)
	if err != nil {
		return fmt.Errorf("revision sequence: %w", err)
	}

	stmts := []string{
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT`, ref.quoted(), sqlident.Quote(c.IDCol)),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s BIGINT NOT NULL DEFAULT 0`, ref.quoted(), sqlident.Quote(c.RevCol)),
	}
	for _, s := range stmts {
		if err := c.conn.Exec(ctx, s); err != nil {
			return fmt.Errorf("adding identity columns to %s: %w", ref, err)
		}
	}

	fnName := "pg_temp.__qw_ident_" + sanitize(ref.String())
	fnSQL := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
  IF TG_OP = 'INSERT' AND NEW.%s IS NULL THEN
    NEW.%s := gen_random_uuid()::text;
  END IF;
  NEW.%s := nextval(%s);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;`,
		fnName, sqlident.Quote(c.IDCol), sqlident.Quote(c.IDCol), sqlident.Quote(c.RevCol), sqlident.Literal(seq))
	if err := c.conn.Exec(ctx, fnSQL); err != nil {
		return fmt.Errorf("installing identity trigger function on %s: %w", ref, err)
	}

	trigName := sqlident.Quote("__qw_ident_" + sanitize(ref.String()))
	drop := fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigName, ref.quoted())
	if err := c.conn.Exec(ctx, drop); err != nil {
		return fmt.Errorf("dropping stale identity trigger on %s: %w", ref, err)
	}
	create := fmt.Sprintf(
		`CREATE TRIGGER %s BEFORE INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s()`,
		trigName, ref.quoted(), fnName)
	if err := c.conn.Exec(ctx, create); err != nil {
		return fmt.Errorf("installing identity trigger on %s: %w", ref, err)
	}

	backfill := fmt.Sprintf(`UPDATE %s SET %s = gen_random_uuid()::text, %s = nextval(%s) WHERE %s IS NULL`,
		ref.quoted(), sqlident.Quote(c.IDCol), sqlident.Quote(c.RevCol), sqlident.Literal(seq), sqlident.Quote(c.IDCol))
	if err := c.conn.Exec(ctx, backfill); err != nil {
		return fmt.Errorf("backfilling identity columns on %s: %w", ref, err)
	}
	return nil
}

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func sanitize(s string) string {
	return sanitizeRe.ReplaceAllString(s, "_")
}
