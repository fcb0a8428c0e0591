// Package locator extracts content identifiers from the contest platform's
// listing pages: task ids, editorial ids, user-editorial author pairs, and
// the ids of currently active or recently ended contests. All parsing is
// pure — the caller supplies already-fetched HTML.
package locator

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// OfficialMarker is the link text the platform uses for official editorials
// in the per-contest editorial index. Anchors carrying it are excluded from
// user-editorial listings.
const OfficialMarker = "公式解説"

// Status strings shown in the homepage contest table.
const (
	statusEnded  = "終了済"
	statusActive = "開催中"
)

// UserEditorial identifies one user-submitted editorial: the task it
// explains and the author who wrote it.
type UserEditorial struct {
	TaskID string
	UserID string
}

// ParseHTML wraps goquery parsing of a page or fragment.
func ParseHTML(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// TaskIDs returns the task ids linked from a contest page, deduplicated and
// sorted ascending by numeric value. Only hrefs of the exact shape
// /contests/{contest}/tasks/{digits} count.
func TaskIDs(doc *goquery.Document, contestID string) []string {
	marker := "/contests/" + contestID + "/tasks/"
	seen := map[string]bool{}
	var ids []string

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.Contains(href, marker) {
			return
		}
		parts := strings.Split(strings.TrimRight(strings.TrimSpace(href), "/"), "/")
		if len(parts) < 2 || parts[len(parts)-2] != "tasks" {
			return
		}
		id := parts[len(parts)-1]
		if !isDigits(id) || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	})

	sortNumeric(ids)
	return ids
}

// OfficialEditorialIDs returns the ids of official editorials linked from a
// contest's editorial index: hrefs with a single id segment after
// /editorial/. Two-segment hrefs are user editorials and are skipped.
func OfficialEditorialIDs(doc *goquery.Document, contestID string) []string {
	prefix := "/contests/" + contestID + "/editorial/"
	seen := map[string]bool{}
	var ids []string

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		idx := strings.Index(href, prefix)
		if idx < 0 {
			return
		}
		rest := strings.TrimRight(href[idx+len(prefix):], "/")
		if !isDigits(rest) || seen[rest] {
			return
		}
		seen[rest] = true
		ids = append(ids, rest)
	})

	sortNumeric(ids)
	return ids
}

// UserEditorials returns the (task, author) pairs of user-submitted
// editorials in a contest's editorial index. The index lives in the
// #editorials container; if the container is absent the page is not ready
// and an empty result is returned so the caller retries on a later run.
// Anchors whose text carries the official-editorial marker are excluded
// even when their href shape matches.
func UserEditorials(doc *goquery.Document, contestID string) []UserEditorial {
	container := doc.Find("#editorials")
	if container.Length() == 0 {
		return nil
	}

	prefix := "/contests/" + contestID + "/editorial/"
	seen := map[UserEditorial]bool{}
	var out []UserEditorial

	container.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if strings.Contains(strings.TrimSpace(a.Text()), OfficialMarker) {
			return
		}
		href, _ := a.Attr("href")
		idx := strings.Index(href, prefix)
		if idx < 0 {
			return
		}
		rest := strings.TrimRight(href[idx+len(prefix):], "/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || !isDigits(parts[0]) || !isDigits(parts[1]) {
			return
		}
		ue := UserEditorial{TaskID: parts[0], UserID: parts[1]}
		if seen[ue] {
			return
		}
		seen[ue] = true
		out = append(out, ue)
	})

	sort.Slice(out, func(i, j int) bool {
		ti, _ := strconv.Atoi(out[i].TaskID)
		tj, _ := strconv.Atoi(out[j].TaskID)
		if ti != tj {
			return ti < tj
		}
		ui, _ := strconv.Atoi(out[i].UserID)
		uj, _ := strconv.Atoi(out[j].UserID)
		return ui < uj
	})
	return out
}

// userEditorialRule matches user-editorial hrefs anywhere in a page; used
// by the fallback scan of official editorial pages when the index container
// lists nothing.
func userEditorialRule(contestID string) *regexp.Regexp {
	return regexp.MustCompile(`/contests/` + regexp.QuoteMeta(contestID) + `/editorial/(\d+)/(\d+)`)
}

// UserEditorialsInText regex-scans arbitrary page HTML for user-editorial
// references. It is the fallback when the editorial index yields nothing.
func UserEditorialsInText(html, contestID string) []UserEditorial {
	matches := userEditorialRule(contestID).FindAllStringSubmatch(html, -1)
	seen := map[UserEditorial]bool{}
	var out []UserEditorial
	for _, m := range matches {
		ue := UserEditorial{TaskID: m[1], UserID: m[2]}
		if !seen[ue] {
			seen[ue] = true
			out = append(out, ue)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, _ := strconv.Atoi(out[i].TaskID)
		tj, _ := strconv.Atoi(out[j].TaskID)
		if ti != tj {
			return ti < tj
		}
		ui, _ := strconv.Atoi(out[i].UserID)
		uj, _ := strconv.Atoi(out[j].UserID)
		return ui < uj
	})
	return out
}

// LatestEndedContest walks the homepage contest table and returns the id of
// the first contest whose status reads "ended". The contest name anchor is
// a following sibling of the header block, not a child. Empty string when
// none is found.
func LatestEndedContest(doc *goquery.Document) string {
	ids := contestsWithStatus(doc, statusEnded)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// ActiveContests returns the ids of contests the homepage marks as
// currently running.
func ActiveContests(doc *goquery.Document) []string {
	return contestsWithStatus(doc, statusActive)
}

func contestsWithStatus(doc *goquery.Document, status string) []string {
	var ids []string
	doc.Find("div.contest-header").Each(func(_ int, header *goquery.Selection) {
		st := header.Find("div.contest-status")
		if st.Length() == 0 || !strings.Contains(strings.TrimSpace(st.Text()), status) {
			return
		}
		// The name anchor follows the header among its siblings.
		for sib := header.Next(); sib.Length() > 0; sib = sib.Next() {
			if !sib.Is("a.contest-name") {
				continue
			}
			href, _ := sib.Attr("href")
			href = strings.TrimRight(strings.TrimSpace(href), "/")
			if href == "" {
				return
			}
			parts := strings.Split(href, "/")
			ids = append(ids, parts[len(parts)-1])
			return
		}
	})
	return ids
}

var durationRule = regexp.MustCompile(`(\d+)\s*分`)

// DefaultDurationMin is assumed when a contest page carries no parseable
// duration.
const DefaultDurationMin = 60

// ParseDurationMinutes extracts a contest duration from text such as
// "90分". Unparseable or missing text yields DefaultDurationMin.
func ParseDurationMinutes(text string) int {
	m := durationRule.FindStringSubmatch(text)
	if m == nil {
		return DefaultDurationMin
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return DefaultDurationMin
	}
	return n
}

// ContestDuration finds the duration on a contest page, preferring the
// dedicated duration element and falling back to a whole-page scan.
func ContestDuration(doc *goquery.Document) int {
	for _, sel := range []string{"div.contest-duration", ".contest-duration", "#contest-duration"} {
		if el := doc.Find(sel); el.Length() > 0 {
			return ParseDurationMinutes(el.First().Text())
		}
	}
	return ParseDurationMinutes(doc.Text())
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// sortNumeric orders digit strings ascending by integer value.
func sortNumeric(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
}
