package locator

import (
	"fmt"
	"strings"

	"github.com/gocolly/colly"
)

// crawlerUA identifies the mirror when walking the public contest index.
const crawlerUA = "Mozilla/5.0 (compatible; omc-mirror/1.0)"

// AllContests walks the paginated all-contests index
// ({base}/contests/all?page=N) and returns every contest id in page order,
// deduplicated. The crawl stops at the first page with no contest table or
// no contest links, or on a fetch error after at least one good page.
// Page order is newest-first on the platform, so callers wanting a recent
// backfill can simply take a prefix of the result.
func AllContests(baseURL string) ([]string, error) {
	c := colly.NewCollector(colly.UserAgent(crawlerUA))

	var pageNames []string
	c.OnHTML("div.table-responsive a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		idx := strings.Index(href, "/contests/")
		if idx < 0 {
			return
		}
		name := strings.TrimRight(strings.TrimSpace(href[idx+len("/contests/"):]), "/")
		if name == "" || name == "all" || strings.Contains(name, "/") {
			return
		}
		pageNames = append(pageNames, name)
	})

	seen := map[string]bool{}
	var out []string
	for page := 1; ; page++ {
		pageNames = pageNames[:0]
		url := fmt.Sprintf("%s/contests/all?page=%d", baseURL, page)
		if err := c.Visit(url); err != nil {
			if page == 1 {
				return nil, fmt.Errorf("failed to fetch contest index: %w", err)
			}
			break
		}
		if len(pageNames) == 0 {
			break
		}
		for _, name := range pageNames {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out, nil
}
