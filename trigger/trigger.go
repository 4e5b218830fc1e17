// Package trigger installs the notification triggers that tell the
// scheduler a base table changed: one AFTER INSERT OR UPDATE OR DELETE OR
// TRUNCATE statement-level trigger per table, bound to a session-local
// function that calls pg_notify on the engine's fixed channel.
package trigger

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/driftwood-labs/qwatch/qcore"
	"github.com/driftwood-labs/qwatch/sqlident"
)

// Channel is the single pg_notify channel every installed trigger uses.
// Watchers for every watched table share this one LISTEN channel; the
// scheduler dispatches on the table name carried in the payload.
const Channel = "__qw__"

// Installer installs and caches notification triggers, one per base table,
// for the lifetime of a Connection's session.
type Installer struct {
	conn qcore.Connection

	mu        sync.Mutex
	installed map[string]bool
	sf        singleflight.Group
}

func NewInstaller(conn qcore.Connection) *Installer {
	return &Installer{conn: conn, installed: make(map[string]bool)}
}

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func key(schema, table string) string {
	return sanitizeRe.ReplaceAllString(schema+"_"+table, "_")
}

// Ensure installs the notification trigger for schema.table if it isn't
// already installed. Concurrent callers for the same table share one
// installation: the second caller's Ensure blocks on the first's result
// instead of racing it.
func (in *Installer) Ensure(ctx context.Context, schema, table string) error {
	k := key(schema, table)

	in.mu.Lock()
	done := in.installed[k]
	in.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := in.sf.Do(k, func() (any, error) {
		if err := in.install(ctx, schema, table, k); err != nil {
			return nil, err
		}
		in.mu.Lock()
		in.installed[k] = true
		in.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return &qcore.Error{Kind: qcore.KindTriggerInstall, Relation: schema + "." + table, Err: err}
	}
	return nil
}

func (in *Installer) install(ctx context.Context, schema, table, k string) error {
	qualified := sqlident.QuoteQualified(schema, table)
	fnName := "pg_temp.__qw__" + k
	trigName := sqlident.Quote("__qw__" + k)

	fnSQL := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify(%s, TG_TABLE_SCHEMA || '.' || TG_TABLE_NAME);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql;`, fnName, sqlident.Literal(Channel))
	if err := in.conn.Exec(ctx, fnSQL); err != nil {
		return fmt.Errorf("installing notify function for %s: %w", qualified, err)
	}

	drop := fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigName, qualified)
	if err := in.conn.Exec(ctx, drop); err != nil {
		return fmt.Errorf("dropping stale notify trigger on %s: %w", qualified, err)
	}

	create := fmt.Sprintf(
		`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE OR TRUNCATE ON %s FOR EACH STATEMENT EXECUTE FUNCTION %s()`,
		trigName, qualified, fnName)
	if err := in.conn.Exec(ctx, create); err != nil {
		return fmt.Errorf("installing notify trigger on %s: %w", qualified, err)
	}
	return nil
}
