// Package model holds the declarative types shared across the crawl
// pipeline: task configuration, crawl records, and the queue/job
// lifecycle types persisted to SQLite.
package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// TaskConfig is a single crawl task: a website scoped by glob patterns,
// an extraction selector, and the knobs that steer one Crawl Session.
type TaskConfig struct {
	Name                   string       `json:"name" toml:"name" validate:"required"`
	Entry                  string       `json:"entry" toml:"entry" validate:"required,startswith=https://"`
	Match                  []string     `json:"match" toml:"match" validate:"required,min=1"`
	Exclude                []string     `json:"exclude,omitempty" toml:"exclude,omitempty"`
	Selector               string       `json:"selector" toml:"selector" validate:"required"`
	AutoDiscoverNav        *bool        `json:"autoDiscoverNav,omitempty" toml:"auto_discover_nav,omitempty"`
	DiscoverySelector      string       `json:"discoverySelector,omitempty" toml:"discovery_selector,omitempty"`
	Cookie                 []CookiePair `json:"cookie,omitempty" toml:"cookie,omitempty" validate:"dive"`
	WaitForSelectorTimeout int          `json:"waitForSelectorTimeout,omitempty" toml:"wait_for_selector_timeout_ms,omitempty"`
	ResourceExclusions     []string     `json:"resourceExclusions,omitempty" toml:"resource_exclusions,omitempty"`
	MaxFileSize            int          `json:"maxFileSize,omitempty" toml:"max_file_size_mb,omitempty"`
	OnVisitPage            string       `json:"onVisitPage,omitempty" toml:"on_visit_page,omitempty"`
	OutputFileName         string       `json:"outputFileName,omitempty" toml:"output_file_name,omitempty"`
}

// CookiePair is one name/value cookie applied to every request made to
// the task's origin.
type CookiePair struct {
	Name  string `json:"name" toml:"name" validate:"required"`
	Value string `json:"value" toml:"value"`
}

const (
	defaultWaitForSelectorTimeoutMS = 5000
	defaultDiscoverySelector        = "nav, aside, [role=navigation]"
)

// DiscoverNav reports whether navigation discovery is enabled; the zero
// value for the field means "enabled".
func (t *TaskConfig) DiscoverNav() bool {
	return t.AutoDiscoverNav == nil || *t.AutoDiscoverNav
}

// EffectiveDiscoverySelector returns DiscoverySelector or its default.
func (t *TaskConfig) EffectiveDiscoverySelector() string {
	if strings.TrimSpace(t.DiscoverySelector) != "" {
		return t.DiscoverySelector
	}
	return defaultDiscoverySelector
}

// EffectiveWaitTimeoutMS returns WaitForSelectorTimeout or its default.
func (t *TaskConfig) EffectiveWaitTimeoutMS() int {
	if t.WaitForSelectorTimeout > 0 {
		return t.WaitForSelectorTimeout
	}
	return defaultWaitForSelectorTimeoutMS
}

// IsXPath reports whether Selector is an XPath expression (leading "/").
func (t *TaskConfig) IsXPath() bool {
	return strings.HasPrefix(t.Selector, "/")
}

// Validate checks the shape required before a TaskConfig can be
// registered or accepted from an ad-hoc submission, using validator
// tags on the struct fields above.
func (t *TaskConfig) Validate() error {
	if err := validate.Struct(t); err != nil {
		name := t.Name
		if strings.TrimSpace(name) == "" {
			name = "(unnamed)"
		}
		return fmt.Errorf("task %q: %w", name, err)
	}
	return nil
}

// GlobalConfig is process-wide, shared by every task in a job.
type GlobalConfig struct {
	MaxPagesToCrawl    string `json:"maxPagesToCrawl" toml:"max_pages_to_crawl"` // positive integer or "unlimited"
	MaxTokens          string `json:"maxTokens" toml:"max_tokens"`               // positive integer or "unlimited"
	UserAgent          string `json:"userAgent,omitempty" toml:"user_agent,omitempty"`
	JavaScriptWaitTime int    `json:"javaScriptWaitTimeMs,omitempty" toml:"javascript_wait_time_ms,omitempty"`
}

// Unlimited is the sentinel string disabling a GlobalConfig cap.
const Unlimited = "unlimited"

// MaxPages parses MaxPagesToCrawl, returning (0, true) for "unlimited".
func (g GlobalConfig) MaxPages() (limit int, unlimited bool) {
	return parseCap(g.MaxPagesToCrawl)
}

// MaxTokensLimit parses MaxTokens, returning (0, true) for "unlimited".
func (g GlobalConfig) MaxTokensLimit() (limit int, unlimited bool) {
	return parseCap(g.MaxTokens)
}

func parseCap(raw string) (int, bool) {
	if strings.EqualFold(strings.TrimSpace(raw), Unlimited) || raw == "" {
		return 0, true
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n <= 0 {
		return 0, true
	}
	return n, false
}

// CrawledRecord is one extracted page, plus whatever extra fields an
// onVisitPage hook attached.
type CrawledRecord struct {
	Title string                 `json:"title"`
	URL   string                 `json:"url"`
	HTML  string                 `json:"html"`
	Extra map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extra alongside the fixed fields so downstream
// JSON consumers see a single flat object.
func (r CrawledRecord) MarshalJSON() ([]byte, error) {
	if len(r.Extra) == 0 {
		type alias struct {
			Title string `json:"title"`
			URL   string `json:"url"`
			HTML  string `json:"html"`
		}
		return json.Marshal(alias{r.Title, r.URL, r.HTML})
	}
	merged := make(map[string]interface{}, len(r.Extra)+3)
	for k, v := range r.Extra {
		merged[k] = v
	}
	merged["title"] = r.Title
	merged["url"] = r.URL
	merged["html"] = r.HTML
	return json.Marshal(merged)
}
