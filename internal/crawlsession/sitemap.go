package crawlsession

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

type sitemapURLSet struct {
	XMLName xml.Name      `xml:"urlset"`
	URLs    []sitemapEntry `xml:"url"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

type sitemapIndex struct {
	XMLName  xml.Name          `xml:"sitemapindex"`
	Sitemaps []sitemapIndexRef `xml:"sitemap"`
}

type sitemapIndexRef struct {
	Loc string `xml:"loc"`
}

var sitemapClient = &http.Client{Timeout: 15 * time.Second}

// fetchSitemap retrieves and parses a sitemap at smURL. If the document
// is a sitemap index rather than a urlset, each referenced sitemap is
// fetched in turn and the results flattened. Some documentation sites
// publish a human-readable HTML sitemap page instead of a machine
// urlset; that shape is detected by content type and walked separately.
func fetchSitemap(smURL string) ([]string, error) {
	body, contentType, err := fetchBody(smURL)
	if err != nil {
		return nil, err
	}

	if looksLikeHTML(contentType, body) {
		return fetchSitemapFromHTML(smURL, body)
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		var all []string
		for _, ref := range index.Sitemaps {
			urls, err := fetchSitemap(ref.Loc)
			if err != nil {
				continue
			}
			all = append(all, urls...)
		}
		return all, nil
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("crawlsession: parse sitemap %s: %w", smURL, err)
	}
	urls := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if u.Loc != "" {
			urls = append(urls, u.Loc)
		}
	}
	return urls, nil
}

func fetchBody(u string) ([]byte, string, error) {
	resp, err := sitemapClient.Get(u)
	if err != nil {
		return nil, "", fmt.Errorf("crawlsession: fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("crawlsession: fetch %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	return body, resp.Header.Get("Content-Type"), err
}

// looksLikeHTML trusts the Content-Type header when it names either
// family of document, and otherwise sniffs the body the way a browser
// would for servers that send no header at all.
func looksLikeHTML(contentType string, body []byte) bool {
	lower := strings.ToLower(contentType)
	if strings.Contains(lower, "html") {
		return true
	}
	if strings.Contains(lower, "xml") {
		return false
	}
	return strings.Contains(strings.ToLower(http.DetectContentType(body)), "html")
}

// fetchSitemapFromHTML walks an HTML sitemap index page's anchors:
// links matching sitemapPattern are nested sitemaps fetched recursively,
// everything else is treated as a direct page URL.
func fetchSitemapFromHTML(smURL string, body []byte) ([]string, error) {
	base, err := url.Parse(smURL)
	if err != nil {
		return nil, fmt.Errorf("crawlsession: parse sitemap base %s: %w", smURL, err)
	}

	var urls []string
	tokenizer := html.NewTokenizer(strings.NewReader(string(body)))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return urls, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := tokenizer.Token()
			if tok.Data != "a" {
				continue
			}
			href := attrValue(tok, "href")
			if href == "" {
				continue
			}
			resolved, err := base.Parse(href)
			if err != nil {
				continue
			}
			absolute := resolved.String()
			if sitemapPattern.MatchString(absolute) {
				nested, err := fetchSitemap(absolute)
				if err != nil {
					continue
				}
				urls = append(urls, nested...)
				continue
			}
			urls = append(urls, absolute)
		}
	}
}

func attrValue(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
