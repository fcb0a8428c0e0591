package katex

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// renderedMath is a minimal rendered KaTeX node carrying its TeX source in
// the MathML annotation, the shape scraped from a live page.
const renderedMath = `<p>Let <span class="katex"><span class="katex-mathml"><math><semantics><mrow><msup><mi>x</mi><mn>2</mn></msup><mo>+</mo><mn>1</mn></mrow><annotation encoding="application/x-tex">x^2+1</annotation></semantics></math></span><span class="katex-html">x²+1</span></span> be a polynomial.</p>`

func TestToPlaceholder(t *testing.T) {
	out, err := ToPlaceholder(renderedMath)
	require.NoError(t, err)

	assert.Contains(t, out, "$x^2+1$")
	assert.NotContains(t, out, "katex-mathml", "the rendered node must be replaced entirely")
	assert.Contains(t, out, "be a polynomial")
}

func TestToPlaceholder_EscapesTexSource(t *testing.T) {
	in := `<span class="katex"><math><semantics><annotation encoding="application/x-tex">x &lt; y</annotation></semantics></math></span>`
	out, err := ToPlaceholder(in)
	require.NoError(t, err)

	// The annotation text "x < y" must survive as escaped text, not as a tag.
	assert.Contains(t, out, "$x &lt; y$")
}

func TestToPlaceholder_NoAnnotation(t *testing.T) {
	in := `<span class="katex"><span class="katex-html">orphan</span></span>`
	out, err := ToPlaceholder(in)
	require.NoError(t, err)

	assert.Contains(t, out, "orphan", "nodes without a TeX annotation stay as-is")
}

func TestToPlaceholder_PlainFragment(t *testing.T) {
	out, err := ToPlaceholder("<p>no math here</p>")
	require.NoError(t, err)
	assert.Equal(t, "<p>no math here</p>", out)
}

// fileRenderer plays the browser's part: it reads the scratch document the
// renderer was pointed at and fabricates a rendered body from it.
type fileRenderer struct {
	t        *testing.T
	sawURL   string
	sawReady string
	body     string
	err      error
}

func (f *fileRenderer) BodyInnerHTML(url, readyExpr string, timeout time.Duration) (string, error) {
	f.sawURL = url
	f.sawReady = readyExpr
	if f.err != nil {
		return "", f.err
	}
	// The wrapper document must contain the fragment and the KaTeX loader.
	path := strings.TrimPrefix(url, "file://")
	data, err := os.ReadFile(path)
	require.NoError(f.t, err)
	assert.Contains(f.t, string(data), "katex.min.js")
	return f.body, nil
}

func TestRender(t *testing.T) {
	rendered := `<p>value <span class="katex"><math><semantics><annotation encoding="application/x-tex">x^2+1</annotation></semantics></math></span></p>
<span class="katex-display"><span class="katex">big</span></span>`
	r := &fileRenderer{t: t, body: rendered}

	out, err := Render(r, "<p>value $x^2+1$</p>", 0)
	require.NoError(t, err)

	assert.Contains(t, r.sawURL, "file://")
	assert.Contains(t, r.sawReady, "__mathDone")

	// Published form: stylesheet retained, loader scripts gone, display
	// math centered.
	assert.Contains(t, out, "katex.min.css")
	assert.NotContains(t, out, "katex.min.js")
	assert.Contains(t, out, `<div style="text-align:center;">`)

	// Round trip: the rendered output still carries the TeX source.
	back, err := ToPlaceholder(out)
	require.NoError(t, err)
	assert.Contains(t, back, "$x^2+1$")
}

func TestRender_ErrorReturnsInputUnchanged(t *testing.T) {
	r := &fileRenderer{t: t, err: assert.AnError}

	out, err := Render(r, "<p>$x$</p>", 0)
	assert.Error(t, err)
	assert.Equal(t, "<p>$x$</p>", out)
}

func TestWrapDisplay_Idempotent(t *testing.T) {
	in := `<body><span class="katex-display">D</span></body>`

	once, err := WrapDisplay(in)
	require.NoError(t, err)
	twice, err := WrapDisplay(once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, strings.Count(twice, "text-align:center"))
}

func TestApplyMarkdown(t *testing.T) {
	in := "intro *em* and **strong**\n *** \ntail"
	out := ApplyMarkdown(in)

	assert.Contains(t, out, "<em>em</em>")
	assert.Contains(t, out, "<strong>strong</strong>")
	assert.Contains(t, out, "<hr>")
}

func TestApplyMarkdown_BoldBeforeItalic(t *testing.T) {
	out := ApplyMarkdown("**both**")
	assert.Equal(t, "<strong>both</strong>", out)
}
