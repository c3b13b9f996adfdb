package crawlsession

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlkeeper/crawlkeeper/internal/model"
)

func TestResolveHref(t *testing.T) {
	base, err := url.Parse("https://example.test/docs/guide")
	require.NoError(t, err)

	require.Equal(t, "https://example.test/docs/other", resolveHref(base, "other"))
	require.Equal(t, "https://example.test/top", resolveHref(base, "/top"))
	require.Equal(t, "", resolveHref(base, "#"))
	require.Equal(t, "", resolveHref(base, "javascript:void(0)"))
	require.Equal(t, "", resolveHref(base, ""))
}

func TestAssembleSeedsUnionsAndFilters(t *testing.T) {
	s := &Session{
		Task: model.TaskConfig{
			Entry:   "https://example.test/docs",
			Match:   []string{"https://example.test/docs/**"},
			Exclude: []string{"https://example.test/docs/private"},
		},
	}

	seeds := s.assembleSeeds([]string{
		"https://example.test/docs/guide",
		"https://example.test/docs/private/secret",
		"https://example.test/other",
	}, nil)

	set := map[string]bool{}
	for _, u := range seeds {
		set[u] = true
	}
	require.True(t, set["https://example.test/docs"], "entry is always a seed")
	require.True(t, set["https://example.test/docs/guide"])
	require.False(t, set["https://example.test/docs/private/secret"])
	require.False(t, set["https://example.test/other"])
}

func TestExtractTextStripsTags(t *testing.T) {
	got := extractText("<div><p>Hello <b>World</b></p></div>")
	require.Equal(t, "Hello World", got)
}

func TestExtractLinksFiltersByMatchExclude(t *testing.T) {
	s := &Session{
		Task: model.TaskConfig{
			Match:   []string{"https://example.test/**"},
			Exclude: []string{"https://example.test/admin"},
		},
	}

	html := `<html><body>
		<a href="/docs/guide">docs</a>
		<a href="/admin/panel">admin</a>
		<a href="https://other.test/page">external</a>
	</body></html>`

	links := s.extractLinks(html, "https://example.test/")
	set := map[string]bool{}
	for _, l := range links {
		set[l] = true
	}
	require.True(t, set["https://example.test/docs/guide"])
	require.False(t, set["https://example.test/admin/panel"])
	require.False(t, set["https://other.test/page"])
}

func TestMarkSeenIsOnceOnly(t *testing.T) {
	s := &Session{seen: make(map[string]bool)}
	require.True(t, s.markSeen("https://example.test/a"))
	require.False(t, s.markSeen("https://example.test/a"))
	require.True(t, s.markSeen("https://example.test/b"))
}

func TestChromeAllocatorOptionsNotEmpty(t *testing.T) {
	opts := chromeAllocatorOptions(model.TaskConfig{}, model.GlobalConfig{}, true, "")
	require.NotEmpty(t, opts)
}

func TestChromeAllocatorOptionsSetsUserDataDirWhenGiven(t *testing.T) {
	withDir := chromeAllocatorOptions(model.TaskConfig{}, model.GlobalConfig{}, true, "/tmp/ds-abc123")
	withoutDir := chromeAllocatorOptions(model.TaskConfig{}, model.GlobalConfig{}, true, "")
	require.Greater(t, len(withDir), len(withoutDir))
}

func TestChromeAllocatorOptionsSetsUserAgentWhenGiven(t *testing.T) {
	withUA := chromeAllocatorOptions(model.TaskConfig{}, model.GlobalConfig{UserAgent: "crawlkeeper/1.0"}, true, "")
	withoutUA := chromeAllocatorOptions(model.TaskConfig{}, model.GlobalConfig{}, true, "")
	require.Greater(t, len(withUA), len(withoutUA))
}
