package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omc-mirror/omctrans/config"
	"github.com/omc-mirror/omctrans/site"
	"github.com/omc-mirror/omctrans/store"
)

// fakeExtractor serves canned innerHTML per URL and counts fetches.
type fakeExtractor struct {
	mu      sync.Mutex
	pages   map[string]string // url -> content; selector is not consulted
	content map[string]string // url -> content-variable value
	calls   int
}

func (f *fakeExtractor) InnerHTML(url, selector string, timeout time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.pages[url]
}

func (f *fakeExtractor) EvalContentVar(url string, timeout time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[url]
}

// fakeTranslator prefixes the language and counts calls; reply overrides
// the output when set.
type fakeTranslator struct {
	mu    sync.Mutex
	calls int
	reply *string
	err   error
}

func (f *fakeTranslator) Translate(ctx context.Context, markup, kindLabel, targetLang string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.reply != nil {
		return *f.reply, nil
	}
	return fmt.Sprintf("[%s] %s", targetLang, markup), nil
}

func (f *fakeTranslator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRenderer extracts the fragment back out of the scratch wrapper
// document, standing in for the real KaTeX render pass.
type fakeRenderer struct{}

func (fakeRenderer) BodyInnerHTML(url, readyExpr string, timeout time.Duration) (string, error) {
	data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return "", err
	}
	s := string(data)
	start := strings.Index(s, "<body>")
	end := strings.LastIndex(s, "</body>")
	if start < 0 || end < 0 {
		return s, nil
	}
	return strings.TrimSpace(s[start+len("<body>") : end]), nil
}

// contestServer serves a minimal contest site with two tasks.
func contestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/contests/abc001", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div>
			<a href="/contests/abc001/tasks/102">B</a>
			<a href="/contests/abc001/tasks/101">A</a>
		</div>`)
	})
	mux.HandleFunc("/contests/abc001/editorial", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div id="editorials">
			<a href="/contests/abc001/editorial/101/7">by user seven</a>
			<a href="/contests/abc001/editorial/101/9">公式解説</a>
		</div>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestPipeline(t *testing.T, srv *httptest.Server, ex *fakeExtractor, tr *fakeTranslator) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	sc, err := site.New(srv.URL, zap.NewNop().Sugar())
	require.NoError(t, err)

	cfg := &config.Config{
		BaseURL:   srv.URL,
		Languages: []string{"en", "fr"},
	}
	p := New(Deps{
		Config:     cfg,
		Store:      st,
		Site:       sc,
		Extractor:  ex,
		Renderer:   fakeRenderer{},
		Translator: tr,
		Log:        zap.NewNop().Sugar(),
	})
	return p, st
}

func taskPage(srv *httptest.Server, id string) string {
	return srv.URL + "/contests/abc001/tasks/" + id
}

func TestSyncTasks_FetchTranslatePersist(t *testing.T) {
	srv := contestServer(t)
	ex := &fakeExtractor{pages: map[string]string{
		taskPage(srv, "101"): "<p>問題 $x^2+1$</p>",
		taskPage(srv, "102"): "<p>第二問</p>",
	}}
	tr := &fakeTranslator{}
	p, st := newTestPipeline(t, srv, ex, tr)

	written, err := p.SyncTasks(context.Background(), "abc001")
	require.NoError(t, err)

	// 2 tasks x (source + 2 target languages).
	assert.Len(t, written, 6)
	assert.Equal(t, 4, tr.callCount())

	for _, id := range []string{"101", "102"} {
		item := store.Item{Contest: "abc001", Kind: store.KindTask, ID: id}
		assert.True(t, st.Exists("ja", item))
		assert.True(t, st.Exists("en", item))
		assert.True(t, st.Exists("fr", item))
	}

	en, err := st.Read("en", store.Item{Contest: "abc001", Kind: store.KindTask, ID: "101"})
	require.NoError(t, err)
	assert.Contains(t, en, "[en]")
	assert.Contains(t, en, "$x^2+1$")
	assert.Contains(t, en, "katex.min.css", "published form carries the stylesheet")
}

func TestSyncTasks_IdempotentSecondRun(t *testing.T) {
	srv := contestServer(t)
	ex := &fakeExtractor{pages: map[string]string{
		taskPage(srv, "101"): "<p>one</p>",
		taskPage(srv, "102"): "<p>two</p>",
	}}
	tr := &fakeTranslator{}
	p, st := newTestPipeline(t, srv, ex, tr)

	_, err := p.SyncTasks(context.Background(), "abc001")
	require.NoError(t, err)

	item := store.Item{Contest: "abc001", Kind: store.KindTask, ID: "101"}
	before, err := st.Read("en", item)
	require.NoError(t, err)
	fetchesAfterFirst := ex.calls
	translationsAfterFirst := tr.callCount()

	written, err := p.SyncTasks(context.Background(), "abc001")
	require.NoError(t, err)

	assert.Empty(t, written, "fully cached contest writes nothing")
	assert.Equal(t, fetchesAfterFirst, ex.calls, "no browser fetches on second run")
	assert.Equal(t, translationsAfterFirst, tr.callCount(), "no LLM calls on second run")

	after, err := st.Read("en", item)
	require.NoError(t, err)
	assert.Equal(t, before, after, "cached file stays byte-identical")
}

func TestSyncTasks_EmptyTranslationNotPersisted(t *testing.T) {
	srv := contestServer(t)
	ex := &fakeExtractor{pages: map[string]string{
		taskPage(srv, "101"): "<p>one</p>",
		taskPage(srv, "102"): "<p>two</p>",
	}}
	empty := "   "
	tr := &fakeTranslator{reply: &empty}
	p, st := newTestPipeline(t, srv, ex, tr)

	written, err := p.SyncTasks(context.Background(), "abc001")
	require.NoError(t, err)
	assert.Len(t, written, 2, "only the source fragments are written")

	item := store.Item{Contest: "abc001", Kind: store.KindTask, ID: "101"}
	assert.True(t, st.Exists("ja", item), "source fragment is kept")
	assert.False(t, st.Exists("en", item), "empty translation must not create a cache entry")

	// A later run must re-attempt translation, not skip it.
	callsBefore := tr.callCount()
	tr.reply = nil
	_, err = p.SyncTasks(context.Background(), "abc001")
	require.NoError(t, err)
	assert.Greater(t, tr.callCount(), callsBefore)
	assert.True(t, st.Exists("en", item))
}

func TestSyncTasks_EmptyExtractionSkips(t *testing.T) {
	srv := contestServer(t)
	ex := &fakeExtractor{pages: map[string]string{}} // nothing renders
	tr := &fakeTranslator{}
	p, st := newTestPipeline(t, srv, ex, tr)

	written, err := p.SyncTasks(context.Background(), "abc001")
	require.NoError(t, err)

	assert.Empty(t, written)
	assert.Zero(t, tr.callCount(), "nothing to translate without a source fragment")
	assert.False(t, st.Exists("ja", store.Item{Contest: "abc001", Kind: store.KindTask, ID: "101"}))
}

func TestSyncTasks_LimitAndDryRun(t *testing.T) {
	srv := contestServer(t)
	ex := &fakeExtractor{pages: map[string]string{
		taskPage(srv, "101"): "<p>one</p>",
		taskPage(srv, "102"): "<p>two</p>",
	}}
	tr := &fakeTranslator{}
	p, st := newTestPipeline(t, srv, ex, tr)
	p.Limit = 1

	_, err := p.SyncTasks(context.Background(), "abc001")
	require.NoError(t, err)
	// Ids are sorted ascending, so the limit keeps 101 only.
	assert.True(t, st.Exists("ja", store.Item{Contest: "abc001", Kind: store.KindTask, ID: "101"}))
	assert.False(t, st.Exists("ja", store.Item{Contest: "abc001", Kind: store.KindTask, ID: "102"}))

	p2, st2 := newTestPipeline(t, srv, ex, tr)
	p2.DryRun = true
	fetchesBefore := ex.calls
	written, err := p2.SyncTasks(context.Background(), "abc001")
	require.NoError(t, err)
	assert.Empty(t, written)
	assert.Equal(t, fetchesBefore, ex.calls, "dry run performs no browser fetches")
	assert.False(t, st2.Exists("ja", store.Item{Contest: "abc001", Kind: store.KindTask, ID: "101"}))
}

func TestSyncUserEditorials_ExcludesOfficialAndPublishes(t *testing.T) {
	srv := contestServer(t)
	ex := &fakeExtractor{pages: map[string]string{
		srv.URL + "/contests/abc001/editorial/101/7": "<p>ユーザー解説</p>",
	}}
	tr := &fakeTranslator{}
	p, st := newTestPipeline(t, srv, ex, tr)

	var publishedPaths []string
	var publishedMsgs []string
	p.Publish = func(ctx context.Context, paths []string, message string) error {
		publishedPaths = append(publishedPaths, paths...)
		publishedMsgs = append(publishedMsgs, message)
		return nil
	}

	written, err := p.SyncUserEditorials(context.Background(), "abc001")
	require.NoError(t, err)

	// Only the non-official author: source plus en and fr.
	assert.Len(t, written, 3)
	item := store.Item{Contest: "abc001", Kind: store.KindUserEditorial, ID: "101", SubID: "7"}
	assert.True(t, st.Exists("ja", item))
	assert.True(t, st.Exists("en", item))

	// The official author's id never appears in the store.
	official := store.Item{Contest: "abc001", Kind: store.KindUserEditorial, ID: "101", SubID: "9"}
	assert.False(t, st.Exists("ja", official))

	require.Len(t, publishedMsgs, 1, "a final flush publishes the remainder")
	assert.Equal(t, written, publishedPaths)
}

func TestForce_OverwritesExistingFragments(t *testing.T) {
	srv := contestServer(t)
	ex := &fakeExtractor{
		pages:   map[string]string{},
		content: map[string]string{taskPage(srv, "101"): "fresh **content**"},
	}
	tr := &fakeTranslator{}
	p, st := newTestPipeline(t, srv, ex, tr)

	item := store.Item{Contest: "abc001", Kind: store.KindTask, ID: "101"}
	_, err := st.Write("ja", item, "<p>stale</p>")
	require.NoError(t, err)
	_, err = st.Write("en", item, "<p>stale en</p>")
	require.NoError(t, err)

	require.NoError(t, p.Force(context.Background(), store.KindTask, "abc001", "101", ""))

	ja, err := st.Read("ja", item)
	require.NoError(t, err)
	assert.Contains(t, ja, "<strong>content</strong>", "markdown-ish decorations are converted")
	assert.NotContains(t, ja, "stale")

	en, err := st.Read("en", item)
	require.NoError(t, err)
	assert.Contains(t, en, "[en]")
}

func TestForce_Validation(t *testing.T) {
	srv := contestServer(t)
	p, _ := newTestPipeline(t, srv, &fakeExtractor{}, &fakeTranslator{})

	assert.Error(t, p.Force(context.Background(), store.Kind("bogus"), "c", "1", ""))
	assert.Error(t, p.Force(context.Background(), store.KindUserEditorial, "c", "1", ""),
		"user editorials need a user id")
}
