// Package pipeline is the idempotent content synchronization core shared by
// every entry point: locate item ids, fetch the source-language fragment
// unless it is already cached, translate it into each target language
// unless that is already cached, re-render math, persist, and hand written
// paths to the publisher. A file's existence is the only "already done"
// signal, so re-running any step is free.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omc-mirror/omctrans/config"
	"github.com/omc-mirror/omctrans/journal"
	"github.com/omc-mirror/omctrans/katex"
	"github.com/omc-mirror/omctrans/locator"
	"github.com/omc-mirror/omctrans/site"
	"github.com/omc-mirror/omctrans/store"
)

// Selectors of the content containers on detail pages.
const (
	taskSelector      = "#problem_content"
	editorialSelector = "#editorial_content"
)

// userEditorialSelectors are tried in order for user-submitted editorials,
// whose markup varies by author; the body is the last resort.
var userEditorialSelectors = []string{
	"#editorial_content",
	"#editorial-content",
	".editorial-content",
	"article",
	"main article",
	"main .card-body",
	"#content",
	"body",
}

// Extractor is the slice of the headless browser the pipeline needs.
// Empty results mean "not ready / not found" and are retried on a later
// run, never treated as hard failures.
type Extractor interface {
	InnerHTML(url, selector string, timeout time.Duration) string
	EvalContentVar(url string, timeout time.Duration) string
}

// Translator converts placeholder-normalized markup into a target language.
type Translator interface {
	Translate(ctx context.Context, markup, kindLabel, targetLang string) (string, error)
}

// PublishFunc pushes written fragment paths; failures are logged by the
// pipeline and never abort a sync.
type PublishFunc func(ctx context.Context, paths []string, message string) error

// publishBatchSize bounds how many newly translated user editorials
// accumulate before an intermediate publish.
const publishBatchSize = 20

// Deps carries everything a Pipeline needs; main wires it once.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Site       *site.Client
	Extractor  Extractor
	Renderer   katex.Renderer
	Translator Translator
	Journal    *journal.Journal // optional
	Publish    PublishFunc      // optional
	Log        *zap.SugaredLogger

	// Limit bounds items processed per listing; 0 means no bound.
	Limit int
	// DryRun logs intended work without fetching, translating, or writing.
	DryRun bool
	// WaitTimeout bounds element-appearance waits in the browser.
	WaitTimeout time.Duration
}

// Pipeline is one configured synchronization run.
type Pipeline struct {
	Deps
	runID string
}

// New builds a Pipeline and assigns it a run id that tags log lines and
// journal events.
func New(d Deps) *Pipeline {
	if d.WaitTimeout <= 0 {
		d.WaitTimeout = 8 * time.Second
	}
	return &Pipeline{Deps: d, runID: uuid.NewString()}
}

// RunID returns the identifier tagging this run's journal events.
func (p *Pipeline) RunID() string {
	return p.runID
}

// SyncTasks mirrors all task statements of a contest. Returns the paths of
// newly written fragments.
func (p *Pipeline) SyncTasks(ctx context.Context, contestID string) ([]string, error) {
	doc, err := p.Site.Document(ctx, p.Config.BaseURL+"/contests/"+contestID)
	if err != nil {
		p.Log.Warnw("contest page fetch failed", "contest", contestID, "error", err)
		return nil, nil
	}
	ids := locator.TaskIDs(doc, contestID)
	if len(ids) == 0 {
		p.Log.Warnw("no tasks found", "contest", contestID)
		return nil, nil
	}

	var written []string
	for _, id := range p.bounded(len(ids), func(i int) string { return ids[i] }) {
		item := store.Item{Contest: contestID, Kind: store.KindTask, ID: id}
		url := fmt.Sprintf("%s/contests/%s/tasks/%s", p.Config.BaseURL, contestID, id)
		written = append(written, p.syncItem(ctx, item, url, []string{taskSelector})...)
	}
	return written, nil
}

// SyncEditorials mirrors the official editorial of every task in a contest.
func (p *Pipeline) SyncEditorials(ctx context.Context, contestID string) ([]string, error) {
	doc, err := p.Site.Document(ctx, p.Config.BaseURL+"/contests/"+contestID)
	if err != nil {
		p.Log.Warnw("contest page fetch failed", "contest", contestID, "error", err)
		return nil, nil
	}
	ids := locator.TaskIDs(doc, contestID)
	if len(ids) == 0 {
		p.Log.Warnw("no tasks found for editorials", "contest", contestID)
		return nil, nil
	}

	var written []string
	for _, id := range p.bounded(len(ids), func(i int) string { return ids[i] }) {
		item := store.Item{Contest: contestID, Kind: store.KindEditorial, ID: id}
		url := fmt.Sprintf("%s/contests/%s/editorial/%s", p.Config.BaseURL, contestID, id)
		written = append(written, p.syncItem(ctx, item, url, []string{editorialSelector})...)
	}
	return written, nil
}

// SyncUserEditorials mirrors user-submitted editorials of a contest. The
// editorial index is the primary listing; when it names none, each official
// editorial page is scanned as a fallback. Newly translated fragments are
// published in batches so a long backfill does not hold work back for
// hours.
func (p *Pipeline) SyncUserEditorials(ctx context.Context, contestID string) ([]string, error) {
	refs := p.listUserEditorials(ctx, contestID)
	p.Log.Infow("user editorials found", "contest", contestID, "count", len(refs))

	var written, pending []string
	for _, ref := range p.boundedRefs(refs) {
		item := store.Item{Contest: contestID, Kind: store.KindUserEditorial, ID: ref.TaskID, SubID: ref.UserID}
		url := fmt.Sprintf("%s/contests/%s/editorial/%s/%s", p.Config.BaseURL, contestID, ref.TaskID, ref.UserID)

		paths := p.syncItem(ctx, item, url, userEditorialSelectors)
		written = append(written, paths...)
		pending = append(pending, paths...)

		if len(pending) >= publishBatchSize {
			p.publish(ctx, pending, fmt.Sprintf("Add user editorials for %s (batch)", contestID))
			pending = nil
		}
	}
	if len(pending) > 0 {
		p.publish(ctx, pending, fmt.Sprintf("Add user editorials for %s", contestID))
	}
	return written, nil
}

// listUserEditorials resolves the (task, author) pairs for a contest.
func (p *Pipeline) listUserEditorials(ctx context.Context, contestID string) []locator.UserEditorial {
	indexURL := p.Config.BaseURL + "/contests/" + contestID + "/editorial"
	doc, err := p.Site.Document(ctx, indexURL)
	if err != nil {
		p.Log.Warnw("editorial index fetch failed", "contest", contestID, "error", err)
		return nil
	}
	if refs := locator.UserEditorials(doc, contestID); len(refs) > 0 {
		return refs
	}

	// Fallback: scan each official editorial page for user-editorial links.
	taskIDs := locator.TaskIDs(doc, contestID)
	if len(taskIDs) == 0 {
		if contestDoc, err := p.Site.Document(ctx, p.Config.BaseURL+"/contests/"+contestID); err == nil {
			taskIDs = locator.TaskIDs(contestDoc, contestID)
		}
	}
	var refs []locator.UserEditorial
	seen := map[locator.UserEditorial]bool{}
	for _, tid := range taskIDs {
		html, err := p.Site.Get(ctx, fmt.Sprintf("%s/contests/%s/editorial/%s", p.Config.BaseURL, contestID, tid))
		if err != nil {
			continue
		}
		for _, ref := range locator.UserEditorialsInText(html, contestID) {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// syncItem runs the fetch-or-skip / translate-or-skip discipline for one
// item: the source fragment is fetched only when missing, each language
// variant is produced only when missing, and nothing empty is ever
// persisted. Returns the paths of any files written.
func (p *Pipeline) syncItem(ctx context.Context, item store.Item, url string, selectors []string) []string {
	if p.DryRun {
		p.Log.Infow("dry run: would sync", "item", item.String(), "url", url)
		return nil
	}

	source, sourcePath, ok := p.fetchSource(ctx, item, url, selectors)
	if !ok {
		return nil
	}

	var written []string
	if sourcePath != "" {
		written = append(written, sourcePath)
	}
	for _, lang := range p.Config.TargetLanguages() {
		if p.Store.Exists(lang, item) {
			p.Log.Debugw("translation cached", "item", item.String(), "lang", lang)
			continue
		}
		if path := p.translateInto(ctx, item, source, lang); path != "" {
			written = append(written, path)
		}
	}
	return written
}

// fetchSource returns the source-language fragment for an item, fetching
// and persisting it when absent. path is non-empty only when the fragment
// was newly written this run; ok is false when no fragment is available.
func (p *Pipeline) fetchSource(ctx context.Context, item store.Item, url string, selectors []string) (source, path string, ok bool) {
	lang := config.SourceLanguage
	if p.Store.Exists(lang, item) {
		p.Log.Debugw("source cached", "item", item.String())
		source, err := p.Store.Read(lang, item)
		if err != nil {
			p.Log.Warnw("cached source unreadable", "item", item.String(), "error", err)
			return "", "", false
		}
		return source, "", true
	}

	var html string
	for _, sel := range selectors {
		if ctx.Err() != nil {
			return "", "", false
		}
		html = p.Extractor.InnerHTML(url, sel, p.WaitTimeout)
		if strings.TrimSpace(html) != "" {
			break
		}
	}
	if strings.TrimSpace(html) == "" {
		p.Log.Warnw("source content empty or missing, will retry next run", "item", item.String(), "url", url)
		p.record(item, lang, journal.ActionSkipped, 0)
		return "", "", false
	}

	written, err := p.Store.Write(lang, item, html)
	if err != nil {
		p.Log.Warnw("failed to persist source fragment", "item", item.String(), "error", err)
		return "", "", false
	}
	p.Log.Infow("saved source fragment", "item", item.String(), "bytes", len(html))
	p.record(item, lang, journal.ActionFetched, len(html))
	return html, written, true
}

// translateInto produces one language variant: placeholder-normalize,
// translate, re-render math, persist. An empty translation is skipped
// without persisting so a later run re-attempts it. Returns the written
// path, or "" when nothing was persisted.
func (p *Pipeline) translateInto(ctx context.Context, item store.Item, source, lang string) string {
	normalized, err := katex.ToPlaceholder(source)
	if err != nil {
		p.Log.Warnw("math normalization failed", "item", item.String(), "error", err)
		return ""
	}

	translated, err := p.Translator.Translate(ctx, normalized, item.Kind.Label(), lang)
	if err != nil {
		p.Log.Warnw("translation failed", "item", item.String(), "lang", lang, "error", err)
		return ""
	}
	if strings.TrimSpace(translated) == "" {
		p.Log.Warnw("translation empty, not persisting", "item", item.String(), "lang", lang)
		p.record(item, lang, journal.ActionSkipped, 0)
		return ""
	}

	rendered, err := katex.Render(p.Renderer, translated, p.WaitTimeout)
	if err != nil {
		// Persist the unrendered translation rather than losing the work;
		// the markup is still valid, just without pre-rendered math.
		p.Log.Warnw("math render failed, persisting unrendered", "item", item.String(), "lang", lang, "error", err)
		rendered = translated
	}

	path, err := p.Store.Write(lang, item, rendered)
	if err != nil {
		p.Log.Warnw("failed to persist translation", "item", item.String(), "lang", lang, "error", err)
		return ""
	}
	p.Log.Infow("saved translation", "item", item.String(), "lang", lang, "bytes", len(rendered))
	p.record(item, lang, journal.ActionTranslated, len(rendered))
	return path
}

// Force re-fetches one specific item and overwrites its source fragment and
// every language variant regardless of cache state. Detail pages that embed
// their body in a script constant are handled by evaluating the page's
// content variable first, falling back to the container selector.
func (p *Pipeline) Force(ctx context.Context, kind store.Kind, contestID, itemID, userID string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown content kind %q", kind)
	}
	if kind == store.KindUserEditorial && userID == "" {
		return fmt.Errorf("user editorial requires a user id")
	}

	item := store.Item{Contest: contestID, Kind: kind, ID: itemID, SubID: userID}
	url := p.itemURL(item)

	raw := p.Extractor.EvalContentVar(url, p.WaitTimeout)
	if strings.TrimSpace(raw) != "" {
		raw = katex.ApplyMarkdown(raw)
	} else {
		for _, sel := range p.selectorsFor(kind) {
			raw = p.Extractor.InnerHTML(url, sel, p.WaitTimeout)
			if strings.TrimSpace(raw) != "" {
				break
			}
		}
	}
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("no content extracted from %s", url)
	}

	if p.DryRun {
		p.Log.Infow("dry run: would overwrite", "item", item.String())
		return nil
	}

	sourcePath, err := p.Store.Write(config.SourceLanguage, item, raw)
	if err != nil {
		return fmt.Errorf("failed to overwrite source fragment: %w", err)
	}
	p.record(item, config.SourceLanguage, journal.ActionFetched, len(raw))

	normalized, err := katex.ToPlaceholder(raw)
	if err != nil {
		return fmt.Errorf("math normalization failed: %w", err)
	}

	written := []string{sourcePath}
	for _, lang := range p.Config.TargetLanguages() {
		translated, err := p.Translator.Translate(ctx, normalized, kind.Label(), lang)
		if err != nil {
			return fmt.Errorf("translation into %s failed: %w", lang, err)
		}
		if strings.TrimSpace(translated) == "" {
			p.Log.Warnw("translation empty, skipping language", "item", item.String(), "lang", lang)
			continue
		}
		rendered, err := katex.Render(p.Renderer, translated, p.WaitTimeout)
		if err != nil {
			p.Log.Warnw("math render failed, persisting unrendered", "item", item.String(), "lang", lang, "error", err)
			rendered = translated
		}
		path, err := p.Store.Write(lang, item, rendered)
		if err != nil {
			return fmt.Errorf("failed to overwrite %s fragment: %w", lang, err)
		}
		p.record(item, lang, journal.ActionTranslated, len(rendered))
		written = append(written, path)
	}

	p.publish(ctx, written, fmt.Sprintf("Update %s", item.String()))
	return nil
}

func (p *Pipeline) itemURL(item store.Item) string {
	switch item.Kind {
	case store.KindTask:
		return fmt.Sprintf("%s/contests/%s/tasks/%s", p.Config.BaseURL, item.Contest, item.ID)
	case store.KindUserEditorial:
		return fmt.Sprintf("%s/contests/%s/editorial/%s/%s", p.Config.BaseURL, item.Contest, item.ID, item.SubID)
	default:
		return fmt.Sprintf("%s/contests/%s/editorial/%s", p.Config.BaseURL, item.Contest, item.ID)
	}
}

func (p *Pipeline) selectorsFor(kind store.Kind) []string {
	switch kind {
	case store.KindTask:
		return []string{taskSelector}
	case store.KindUserEditorial:
		return userEditorialSelectors
	default:
		return []string{editorialSelector}
	}
}

// publish pushes paths through the configured publisher, logging failures
// as warnings; local files are the source of truth either way.
func (p *Pipeline) publish(ctx context.Context, paths []string, message string) {
	if p.Publish == nil || len(paths) == 0 || p.DryRun {
		return
	}
	if err := p.Publish(ctx, paths, message); err != nil {
		p.Log.Warnw("publish failed", "message", message, "error", err)
		return
	}
	if p.Journal != nil {
		if err := p.Journal.Record(journal.Event{RunID: p.runID, Action: journal.ActionPublished, Bytes: len(paths)}); err != nil {
			p.Log.Debugw("journal write failed", "error", err)
		}
	}
}

// record appends a journal event, ignoring journal failures.
func (p *Pipeline) record(item store.Item, lang, action string, bytes int) {
	if p.Journal == nil {
		return
	}
	itemID := item.ID
	if item.SubID != "" {
		itemID += "/" + item.SubID
	}
	err := p.Journal.Record(journal.Event{
		RunID:   p.runID,
		Contest: item.Contest,
		Kind:    string(item.Kind),
		ItemID:  itemID,
		Lang:    lang,
		Action:  action,
		Bytes:   bytes,
	})
	if err != nil {
		p.Log.Debugw("journal write failed", "error", err)
	}
}

// bounded applies the Limit to a listing.
func (p *Pipeline) bounded(n int, get func(int) string) []string {
	if p.Limit > 0 && n > p.Limit {
		n = p.Limit
	}
	out := make([]string, n)
	for i := range out {
		out[i] = get(i)
	}
	return out
}

func (p *Pipeline) boundedRefs(refs []locator.UserEditorial) []locator.UserEditorial {
	if p.Limit > 0 && len(refs) > p.Limit {
		return refs[:p.Limit]
	}
	return refs
}
