package sqlast

import (
	"strings"
	"testing"
)

func isURL(s string) bool {
	scheme, rest, ok := strings.Cut(s, "://")
	return ok && scheme != "" && rest != ""
}

func hashOf(s string) string {
	return "h_" + strings.Map(func(r rune) rune {
		if r == ':' || r == '/' || r == '.' {
			return '_'
		}
		return r
	}, s)
}

func TestRewriteURLsSubstitutesFromClause(t *testing.T) {
	st, err := Parse(`SELECT * FROM "http://a/FS/1" UNION SELECT * FROM "http://a/FS/2"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rewritten, mapping := RewriteURLs(st, isURL, hashOf)
	if len(mapping) != 2 {
		t.Fatalf("expected 2 mapped urls, got %d: %v", len(mapping), mapping)
	}
	got := Render(rewritten)
	want := `SELECT * FROM h_http___a_FS_1 UNION SELECT * FROM h_http___a_FS_2`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	// original untouched
	if Render(st) == got {
		t.Fatalf("RewriteURLs mutated the original statement")
	}
}

func TestRewriteURLsLeavesNonURLIdentifiersAlone(t *testing.T) {
	st, err := Parse(`SELECT a.id, b.name FROM accounts AS a, balances AS b WHERE a.id = b.id`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rewritten, mapping := RewriteURLs(st, isURL, hashOf)
	if len(mapping) != 0 {
		t.Fatalf("expected no mapping for non-url statement, got %v", mapping)
	}
	got := Render(rewritten)
	want := `SELECT a.id, b.name FROM accounts AS a, balances AS b WHERE a.id = b.id`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRewriteURLsSubstitutesQualifiedColumnReferences(t *testing.T) {
	st, err := Parse(`SELECT "http://a/FS/1".id FROM "http://a/FS/1" WHERE "http://a/FS/1".id = 5`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rewritten, mapping := RewriteURLs(st, isURL, hashOf)
	if len(mapping) != 1 {
		t.Fatalf("expected 1 mapped url, got %v", mapping)
	}
	got := Render(rewritten)
	want := `SELECT h_http___a_FS_1.id FROM h_http___a_FS_1 WHERE h_http___a_FS_1.id = 5`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRewriteRoundTrip(t *testing.T) {
	sql := `SELECT a.id, a.name FROM accounts AS a WHERE a.id = 5 ORDER BY a.name LIMIT 10`
	st, err := Parse(sql)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rewritten, _ := RewriteURLs(st, isURL, hashOf)
	rendered := Render(rewritten)

	reparsed, err := Parse(rendered)
	if err != nil {
		t.Fatalf("reparse rendered sql: %v", err)
	}
	reRendered := Render(reparsed)
	if reRendered != rendered {
		t.Fatalf("round-trip mismatch:\n  first:  %q\n  second: %q", rendered, reRendered)
	}
}

func TestRewriteIdempotentOnNames(t *testing.T) {
	st, err := Parse(`SELECT * FROM "http://a/FS/1"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	once, _ := RewriteURLs(st, isURL, hashOf)
	twice, _ := RewriteURLs(once, isURL, hashOf)
	if Render(once) != Render(twice) {
		t.Fatalf("rewrite is not idempotent: %q vs %q", Render(once), Render(twice))
	}
}

func TestParseRejectsInvalidSQL(t *testing.T) {
	_, err := Parse(`SELEKT * FROM t`)
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestURLTableRefs(t *testing.T) {
	st, err := Parse(`SELECT * FROM "http://a/FS/1" UNION SELECT * FROM "http://a/FS/1"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	refs := st.URLTableRefs(isURL)
	if len(refs) != 1 || refs[0] != "http://a/FS/1" {
		t.Fatalf("expected deduped single ref, got %v", refs)
	}
}
