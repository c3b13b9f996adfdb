// Package hooks resolves the onVisitPage capability: a
// TaskConfig names a hook by string, and this registry maps that name to
// a compiled-in crawlsession.Hook. Go configuration has no serializable
// function values, so TaskConfig.OnVisitPage carries a name instead of a
// closure.
package hooks

import (
	"context"
	"fmt"

	"github.com/crawlkeeper/crawlkeeper/internal/crawlsession"
	"github.com/crawlkeeper/crawlkeeper/internal/model"
)

var registry = map[string]crawlsession.Hook{
	"": nil,
}

// Register adds a named hook to the compiled-in registry. Intended to be
// called from package init() by callers that ship their own hooks.
func Register(name string, hook crawlsession.Hook) {
	registry[name] = hook
}

// Resolve looks up a hook by name. An empty name resolves to no hook.
// An unknown non-empty name is an error: an ad-hoc submission is rejected
// with it, and a registered job's task that names one fails permanently
// when a worker resolves it at crawl time (registry load does not check
// hook names).
func Resolve(name string) (crawlsession.Hook, error) {
	hook, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("hooks: unknown onVisitPage hook %q", name)
	}
	return hook, nil
}

func init() {
	Register("annotate-fetch-time", annotateFetchTime)
}

// annotateFetchTime is a stock hook showing the capability's shape; its
// body does nothing and it pushes no records. Real deployments register
// their own hooks the same way.
func annotateFetchTime(ctx context.Context, browserCtx context.Context, push func(model.CrawledRecord)) {
	// The default crawl already pushes the page's own record before
	// invoking the hook (crawlsession.attemptPage); this hook exists to
	// show the capability's shape and is a no-op by default so it never
	// double-pushes records for tasks that reference it.
	_ = ctx
	_ = browserCtx
	_ = push
}
