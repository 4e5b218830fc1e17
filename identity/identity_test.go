package identity

import "testing"

func TestCollectRelationsSingleTable(t *testing.T) {
	plan := map[string]any{
		"Node Type":     "Seq Scan",
		"Relation Name": "t",
		"Schema":        "public",
	}
	out := map[string]TableRef{}
	collectRelations(plan, out)

	if len(out) != 1 {
		t.Fatalf("expected 1 table, got %d: %v", len(out), out)
	}
	if _, ok := out["public.t"]; !ok {
		t.Fatalf("expected public.t, got %v", out)
	}
}

func TestCollectRelationsNested(t *testing.T) {
	plan := map[string]any{
		"Node Type": "Sort",
		"Plans": []any{
			map[string]any{
				"Node Type":     "Seq Scan",
				"Relation Name": "t",
				"Schema":        "public",
			},
		},
	}
	out := map[string]TableRef{}
	collectRelations(plan, out)
	if len(out) != 1 {
		t.Fatalf("expected 1 table from nested plan, got %v", out)
	}
}

func TestCollectRelationsJoin(t *testing.T) {
	plan := map[string]any{
		"Node Type": "Hash Join",
		"Plans": []any{
			map[string]any{"Node Type": "Seq Scan", "Relation Name": "a", "Schema": "public"},
			map[string]any{"Node Type": "Seq Scan", "Relation Name": "b", "Schema": "public"},
		},
	}
	out := map[string]TableRef{}
	collectRelations(plan, out)
	if len(out) != 2 {
		t.Fatalf("expected 2 tables from join plan, got %v", out)
	}
}

func TestSanitize(t *testing.T) {
	if got, want := sanitize("public.t"), "public_t"; got != want {
		t.Errorf("sanitize() = %q, want %q", got, want)
	}
}

func TestLeadingSelectRegex(t *testing.T) {
	cases := []struct {
		sql   string
		match bool
	}{
		{"SELECT a FROM t", true},
		{"select a from t", true},
		{"SELECT DISTINCT a FROM t", true},
		{"  SELECT a FROM t", true},
		{"WITH x AS (SELECT 1) SELECT a FROM t", false},
	}
	for _, c := range cases {
		if got := leadingSelect.MatchString(c.sql); got != c.match {
			t.Errorf("leadingSelect.MatchString(%q) = %v, want %v", c.sql, got, c.match)
		}
	}
}
