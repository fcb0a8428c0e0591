// Package katex converts between rendered KaTeX markup and the
// translation-safe placeholder notation ($...$ / $$...$$). The forward
// transform reads the TeX source out of rendered math nodes; the inverse
// re-renders placeholders through a headless browser and re-captures the
// DOM. The round trip is semantic: the rendering library pins the exact
// output markup, not this package.
package katex

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Version is the KaTeX release pinned in the render wrapper. Bumping it
// changes the exact markup of every newly rendered fragment but not the
// placeholder notation.
const Version = "0.16.0"

// Renderer captures a document body after client-side scripts ran. The
// browser package implements it.
type Renderer interface {
	BodyInnerHTML(url, readyExpr string, timeout time.Duration) (string, error)
}

// renderReadyExpr is set true by the wrapper document once auto-render has
// finished, so the capture never races the math rendering.
const renderReadyExpr = `window.__mathDone === true`

const renderHeader = `<!DOCTYPE html>
<html><head>
<meta charset="utf-8">
<link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/katex@` + Version + `/dist/katex.min.css">
<script defer src="https://cdn.jsdelivr.net/npm/katex@` + Version + `/dist/katex.min.js"></script>
<script defer src="https://cdn.jsdelivr.net/npm/katex@` + Version + `/dist/contrib/auto-render.min.js"
 onload="renderMathInElement(document.body,{
   delimiters:[
     {left:'$$',right:'$$',display:true},
     {left:'$', right:'$', display:false}
   ]
 }); window.__mathDone = true;"></script>
</head><body>
`

const renderFooter = "\n</body></html>"

// finalDocument wraps a rendered body in the minimal document the mirror
// publishes: stylesheet only, no scripts.
func finalDocument(body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head>
<meta charset="utf-8">
<link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/katex@%s/dist/katex.min.css">
</head><body>
%s
</body></html>`, Version, body)
}

// ToPlaceholder rewrites every rendered math node in the fragment into the
// literal text $<tex-source>$, reading the source from the node's embedded
// annotation. Only safe on already-rendered markup (scraped from a live
// page after client-side rendering ran); nodes without an annotation are
// left untouched.
func ToPlaceholder(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("failed to parse fragment: %w", err)
	}

	doc.Find(".katex").Each(func(_ int, node *goquery.Selection) {
		ann := node.Find(`annotation[encoding="application/x-tex"]`).First()
		if ann.Length() == 0 {
			return
		}
		tex := ann.Text()
		node.ReplaceWithHtml(html.EscapeString("$" + tex + "$"))
	})

	out, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("failed to serialize fragment: %w", err)
	}
	return out, nil
}

// Render turns placeholder notation back into rendered math: the fragment
// is wrapped in a document that loads KaTeX and auto-renders $...$ and
// $$...$$, the browser evaluates it, and the resulting body is captured and
// re-wrapped in a script-free document with display formulas centered.
// On error the original fragment is returned unchanged so the caller can
// decide whether to persist it unrendered.
func Render(r Renderer, fragment string, timeout time.Duration) (string, error) {
	tmp, err := os.CreateTemp("", "omctrans-render-*.html")
	if err != nil {
		return fragment, fmt.Errorf("failed to create render scratch file: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	_, err = tmp.WriteString(renderHeader + fragment + renderFooter)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fragment, fmt.Errorf("failed to write render scratch file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fragment, fmt.Errorf("failed to resolve scratch path: %w", err)
	}

	body, err := r.BodyInnerHTML("file://"+abs, renderReadyExpr, timeout)
	if err != nil {
		return fragment, err
	}

	wrapped, err := WrapDisplay(finalDocument(body))
	if err != nil {
		return fragment, err
	}
	return wrapped, nil
}

// WrapDisplay wraps every display-mode math node in a centered block
// container. Idempotent: already-wrapped nodes are skipped.
func WrapDisplay(document string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return "", fmt.Errorf("failed to parse document: %w", err)
	}

	doc.Find("span.katex-display").Each(func(_ int, node *goquery.Selection) {
		parent := node.Parent()
		if parent.Is("div") {
			if style, ok := parent.Attr("style"); ok && strings.Contains(style, "text-align:center") {
				return
			}
		}
		node.WrapHtml(`<div style="text-align:center;"></div>`)
	})

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("failed to serialize document: %w", err)
	}
	return out, nil
}

var (
	hrRule     = regexp.MustCompile(`^\s*\*{3}\s*$`)
	strongRule = regexp.MustCompile(`\*\*(.+?)\*\*`)
	emRule     = regexp.MustCompile(`\*(.+?)\*`)
)

// ApplyMarkdown converts the markdown-ish decorations some detail pages use
// (*italic*, **bold**, a lone *** line as a rule) into HTML. Applied before
// the placeholder transform on content extracted from script variables.
func ApplyMarkdown(fragment string) string {
	lines := strings.Split(fragment, "\n")
	for i, line := range lines {
		if hrRule.MatchString(line) {
			lines[i] = "<hr>"
		}
	}
	out := strings.Join(lines, "\n")
	out = strongRule.ReplaceAllString(out, "<strong>$1</strong>")
	out = emRule.ReplaceAllString(out, "<em>$1</em>")
	return out
}
