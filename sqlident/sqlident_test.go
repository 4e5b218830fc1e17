package sqlident

import "testing"

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"t":       `"t"`,
		"my col":  `"my col"`,
		`has"quo`: `"has""quo"`,
	}
	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQuoteQualified(t *testing.T) {
	if got, want := QuoteQualified("public", "t"), `"public"."t"`; got != want {
		t.Errorf("QuoteQualified = %q, want %q", got, want)
	}
	if got, want := QuoteQualified("", "t"), `"t"`; got != want {
		t.Errorf("QuoteQualified with empty schema = %q, want %q", got, want)
	}
}

func TestQuoteList(t *testing.T) {
	got := QuoteList([]string{"a", "b"}, "q")
	want := `"q"."a", "q"."b"`
	if got != want {
		t.Errorf("QuoteList = %q, want %q", got, want)
	}

	got = QuoteList([]string{"a"}, "")
	want = `"a"`
	if got != want {
		t.Errorf("QuoteList without alias = %q, want %q", got, want)
	}
}
