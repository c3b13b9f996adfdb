package matcher

import "testing"

func TestMatchesAny(t *testing.T) {
	cases := []struct {
		name     string
		url      string
		patterns []string
		want     bool
	}{
		{"exact", "https://example.test/", []string{"https://example.test/"}, true},
		{"wildcard subtree", "https://example.test/docs/guide", []string{"https://example.test/docs/**"}, true},
		{"single star stops at slash", "https://example.test/docs/guide", []string{"https://example.test/*"}, false},
		{"no match", "https://example.test/other", []string{"https://example.test/docs/**"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := MatchesAny(c.url, c.patterns); got != c.want {
				t.Errorf("MatchesAny(%q, %v) = %v, want %v", c.url, c.patterns, got, c.want)
			}
		})
	}
}

func TestNormalizeAndExpandExcludes(t *testing.T) {
	got := NormalizeAndExpandExcludes([]string{"/support", "/docs/**", "/blog/"})
	want := map[string]bool{
		"/support":    true,
		"/support/**": true,
		"/docs/**":    true,
		"/blog/":      true,
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 expanded patterns, got %d: %v", len(got), got)
	}
	for _, p := range got {
		if !want[p] {
			t.Errorf("unexpected pattern %q", p)
		}
	}
}

func TestExcludedBySubpathExpansion(t *testing.T) {
	excludes := []string{"/support"}
	if !ExcludedBy("/support/foo", excludes) {
		t.Error("expected /support/foo to be excluded by plain /support pattern")
	}
	if !ExcludedBy("/support", excludes) {
		t.Error("expected literal /support to be excluded")
	}
	if ExcludedBy("/supporting", excludes) {
		t.Error("expected /supporting not to be excluded (no shared path boundary)")
	}
}

func TestAllowed(t *testing.T) {
	include := []string{"https://example.test/**"}
	exclude := []string{"https://example.test/admin"}
	if !Allowed("https://example.test/docs", include, exclude) {
		t.Error("expected docs page to be allowed")
	}
	if Allowed("https://example.test/admin/users", include, exclude) {
		t.Error("expected admin subtree to be excluded")
	}
}
