// Package crawlsession drives one TaskConfig through a headless browser:
// navigation discovery, glob-scoped breadth-first crawling, and
// selector-based extraction into an in-memory record store.
//
// Isolation: every Session gets its own chromedp allocator/browser
// context, identified by a caller-supplied dataset name. Two concurrent
// Sessions never share a browser process or a cookie jar.
package crawlsession

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/crawlkeeper/crawlkeeper/internal/matcher"
	"github.com/crawlkeeper/crawlkeeper/internal/model"
)

// maxConcurrency is the per-session bound on simultaneous browser
// request workers (bounds browser memory).
const maxConcurrency = 2

// pageRetries is the number of automatic retries per page on
// navigation/selector failure.
const pageRetries = 2

var sitemapPattern = regexp.MustCompile(`sitemap.*\.xml$`)

// Hook is the onVisitPage capability: a post-load page mutation that can
// push extra records via push. It is resolved from a named registry
// rather than carried as a function value in TaskConfig.
type Hook func(ctx context.Context, browserCtx context.Context, push func(model.CrawledRecord))

// Session executes one TaskConfig end to end.
type Session struct {
	Task       model.TaskConfig
	Global     model.GlobalConfig
	Hook       Hook // resolved onVisitPage hook, nil if none configured
	Logger     arbor.ILogger
	Headless   bool   // false only in tests that stub navigation
	StorageDir string // unique per-session Chrome profile dir

	records   []model.CrawledRecord
	recordsMu sync.Mutex
	seen      map[string]bool
	seenMu    sync.Mutex
}

// Result is what a Session produces.
type Result struct {
	Records      []model.CrawledRecord
	PagesCrawled int
}

// New creates a Session ready to Run.
func New(task model.TaskConfig, global model.GlobalConfig, hook Hook, logger arbor.ILogger) *Session {
	return &Session{
		Task:     task,
		Global:   global,
		Hook:     hook,
		Logger:   logger,
		Headless: true,
		seen:     make(map[string]bool),
	}
}

// Run executes discovery, seed assembly, and the breadth-first crawl.
//
// Each of the maxConcurrency workers gets its own chromedp.NewContext
// tab, sharing one ExecAllocator/browser process. chromedp.Run against
// a single context is not safe to call concurrently from multiple
// goroutines: two tabs never race each other's Navigate/WaitVisible
// sequence the way two goroutines driving one tab would.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, chromeAllocatorOptions(s.Task, s.Global, s.Headless, s.StorageDir)...)
	defer allocCancel()

	tabs := make([]context.Context, maxConcurrency)
	tabCancels := make([]context.CancelFunc, maxConcurrency)
	for i := range tabs {
		tabs[i], tabCancels[i] = chromedp.NewContext(allocCtx)
	}
	defer func() {
		for _, cancel := range tabCancels {
			cancel()
		}
	}()

	for _, tabCtx := range tabs {
		if err := applyResourceBlocking(tabCtx, s.Task.ResourceExclusions); err != nil {
			s.logf("warn", "failed to install resource blocking: %v", err)
		}
		if err := applyCookies(tabCtx, s.Task.Entry, s.Task.Cookie); err != nil {
			s.logf("warn", "failed to apply cookies at context scope: %v", err)
		}
	}

	discovered, sitemapURLs := s.discover(tabs[0])

	seeds := s.assembleSeeds(discovered, sitemapURLs)
	if len(seeds) == 0 {
		seeds = []string{s.Task.Entry}
	}

	maxPages, unlimitedPages := s.Global.MaxPages()

	// work is the pending-page channel; inFlight counts items pushed but
	// not yet fully processed (including their discovered links still to
	// be enqueued), so closing work exactly when inFlight hits zero never
	// races a worker that is about to push more links.
	work := make(chan string, 4096)
	var inFlight sync.WaitGroup
	var mu sync.Mutex
	crawled := 0

	enqueue := func(u string) {
		if !s.markSeen(u) {
			return
		}
		inFlight.Add(1)
		select {
		case work <- u:
		default:
			go func() { work <- u }()
		}
	}

	for _, u := range seeds {
		enqueue(u)
	}

	var workers sync.WaitGroup
	for i := 0; i < maxConcurrency; i++ {
		workers.Add(1)
		tabCtx := tabs[i]
		go func() {
			defer workers.Done()
			for u := range work {
				s.processOne(tabCtx, u, &mu, &crawled, maxPages, unlimitedPages, enqueue)
				inFlight.Done()
			}
		}()
	}

	go func() {
		inFlight.Wait()
		close(work)
	}()
	workers.Wait()

	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	return &Result{Records: append([]model.CrawledRecord(nil), s.records...), PagesCrawled: len(s.records)}, nil
}

// processOne crawls a single page under the page-count cap and enqueues
// any links it discovers.
func (s *Session) processOne(tabCtx context.Context, pageURL string, mu *sync.Mutex, crawled *int, maxPages int, unlimitedPages bool, enqueue func(string)) {
	mu.Lock()
	if !unlimitedPages && *crawled >= maxPages {
		mu.Unlock()
		return
	}
	*crawled++
	mu.Unlock()

	for _, l := range s.crawlOnePage(tabCtx, pageURL) {
		enqueue(l)
	}
}

func (s *Session) markSeen(u string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seen[u] {
		return false
	}
	s.seen[u] = true
	return true
}

// discover opens the entry URL in the session's browser context, waits
// for DOM content, and extracts anchors scoped to discoverySelector.
// Discovery failure is non-fatal: it logs and the crawl continues with
// only the explicit entry URL.
func (s *Session) discover(browserCtx context.Context) (discovered []string, sitemapURLs []string) {
	if !s.Task.DiscoverNav() {
		return nil, nil
	}

	var html string
	discCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()

	tasks := chromedp.Tasks{chromedp.Navigate(s.Task.Entry)}
	if s.Global.JavaScriptWaitTime > 0 {
		tasks = append(tasks, chromedp.Sleep(time.Duration(s.Global.JavaScriptWaitTime)*time.Millisecond))
	}
	tasks = append(tasks,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	err := chromedp.Run(discCtx, tasks)
	if err != nil {
		s.logf("warn", "discovery navigation failed, continuing with entry only: %v", err)
		return nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		s.logf("warn", "discovery parse failed, continuing with entry only: %v", err)
		return nil, nil
	}

	base, err := url.Parse(s.Task.Entry)
	if err != nil {
		return nil, nil
	}

	seenHref := map[string]bool{}
	doc.Find(s.Task.EffectiveDiscoverySelector()).Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved := resolveHref(base, href)
		if resolved == "" || seenHref[resolved] {
			return
		}
		seenHref[resolved] = true

		if sitemapPattern.MatchString(resolved) {
			sitemapURLs = append(sitemapURLs, resolved)
			return
		}
		if matcher.Allowed(resolved, s.Task.Match, s.Task.Exclude) {
			discovered = append(discovered, resolved)
		}
	})

	return discovered, sitemapURLs
}

func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || href == "#" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// assembleSeeds unions entry + discovered, adds the URLs of every sitemap
// found during discovery, and re-applies the match/exclude filter
// post-merge (the entry always stays a seed). The entry URL itself is not
// checked against the sitemap heuristic.
func (s *Session) assembleSeeds(discovered, sitemapURLs []string) []string {
	set := map[string]bool{s.Task.Entry: true}
	for _, u := range discovered {
		set[u] = true
	}

	for _, sm := range sitemapURLs {
		urls, err := fetchSitemap(sm)
		if err != nil {
			s.logf("warn", "sitemap fetch failed for %s: %v", sm, err)
			continue
		}
		for _, u := range urls {
			set[u] = true
		}
	}

	seeds := make([]string, 0, len(set))
	for u := range set {
		if u == s.Task.Entry || matcher.Allowed(u, s.Task.Match, s.Task.Exclude) {
			seeds = append(seeds, u)
		}
	}
	return seeds
}

// crawlOnePage navigates to pageURL, waits for the extraction selector,
// pushes a CrawledRecord, and returns newly discovered links scoped by
// the task's match/exclude filter. It retries up to pageRetries times.
func (s *Session) crawlOnePage(browserCtx context.Context, pageURL string) []string {
	var lastErr error
	for attempt := 0; attempt <= pageRetries; attempt++ {
		links, err := s.attemptPage(browserCtx, pageURL)
		if err == nil {
			return links
		}
		lastErr = err
	}
	s.logf("warn", "page failed after %d retries, skipping: %s: %v", pageRetries, pageURL, lastErr)
	return nil
}

func (s *Session) attemptPage(browserCtx context.Context, pageURL string) ([]string, error) {
	pageCtx, cancel := context.WithTimeout(browserCtx, time.Duration(s.Task.EffectiveWaitTimeoutMS())*time.Millisecond+20*time.Second)
	defer cancel()

	if err := applyCookies(pageCtx, pageURL, s.Task.Cookie); err != nil {
		s.logf("warn", "failed to apply per-request cookies for %s: %v", pageURL, err)
	}

	var title, html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(pageURL),
	}
	if s.Global.JavaScriptWaitTime > 0 {
		tasks = append(tasks, chromedp.Sleep(time.Duration(s.Global.JavaScriptWaitTime)*time.Millisecond))
	}
	if s.Task.IsXPath() {
		tasks = append(tasks, chromedp.WaitVisible(s.Task.Selector, chromedp.BySearch))
	} else {
		tasks = append(tasks, chromedp.WaitVisible(s.Task.Selector, chromedp.ByQuery))
	}
	tasks = append(tasks, chromedp.Title(&title))
	if s.Task.IsXPath() {
		tasks = append(tasks, chromedp.OuterHTML(s.Task.Selector, &html, chromedp.BySearch))
	} else {
		tasks = append(tasks, chromedp.OuterHTML(s.Task.Selector, &html, chromedp.ByQuery))
	}
	var fullPageHTML string
	tasks = append(tasks, chromedp.OuterHTML("html", &fullPageHTML, chromedp.ByQuery))

	var finalURL string
	tasks = append(tasks, chromedp.Location(&finalURL))

	if err := chromedp.Run(pageCtx, tasks); err != nil {
		return nil, fmt.Errorf("navigate/extract %s: %w", pageURL, err)
	}
	if finalURL == "" {
		finalURL = pageURL
	}

	rec := model.CrawledRecord{Title: title, URL: finalURL, HTML: extractText(html)}

	push := func(r model.CrawledRecord) {
		s.recordsMu.Lock()
		s.records = append(s.records, r)
		s.recordsMu.Unlock()
	}

	s.recordsMu.Lock()
	s.records = append(s.records, rec)
	s.recordsMu.Unlock()

	if s.Hook != nil {
		s.Hook(pageCtx, browserCtx, push)
	}

	links := s.extractLinks(fullPageHTML, finalURL)
	return links, nil
}

func (s *Session) extractLinks(html, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved := resolveHref(base, href)
		if resolved == "" {
			return
		}
		if matcher.Allowed(resolved, s.Task.Match, s.Task.Exclude) {
			links = append(links, resolved)
		}
	})
	return links
}

// extractText strips tags from a selector's outer HTML, approximating
// "text content" extraction for the stored record.
func extractText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	return strings.TrimSpace(doc.Text())
}

func chromeAllocatorOptions(task model.TaskConfig, global model.GlobalConfig, headless bool, storageDir string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if storageDir != "" {
		// A dedicated profile directory is what makes two concurrent
		// Sessions never share cookies or cache.
		opts = append(opts, chromedp.UserDataDir(storageDir))
	}
	if strings.TrimSpace(global.UserAgent) != "" {
		opts = append(opts, chromedp.UserAgent(global.UserAgent))
	}
	return opts
}

// applyResourceBlocking installs a network-level block list for any URL
// ending in one of the given file extensions, e.g. "*.png", "*.woff2".
func applyResourceBlocking(browserCtx context.Context, exts []string) error {
	if len(exts) == 0 {
		return nil
	}
	patterns := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.TrimPrefix(ext, ".")
		patterns = append(patterns, "*."+ext)
	}
	return chromedp.Run(browserCtx, network.Enable(), network.SetBlockedURLs(patterns))
}

// applyCookies applies the task's cookies for the given URL's origin at
// whatever CDP context ctx represents (browser-context scope during
// discovery, request scope during crawl).
func applyCookies(ctx context.Context, targetURL string, cookies []model.CookiePair) error {
	if len(cookies) == 0 {
		return nil
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return err
	}

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &network.CookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: u.Hostname(),
			Path:   "/",
		})
	}
	return chromedp.Run(ctx, network.Enable(), network.SetCookies(params))
}

func (s *Session) logf(level, format string, args ...interface{}) {
	if s.Logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case "warn":
		s.Logger.Warn().Str("task", s.Task.Name).Msg(msg)
	default:
		s.Logger.Info().Str("task", s.Task.Name).Msg(msg)
	}
}
