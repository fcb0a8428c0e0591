// Package browser wraps a single headless Chromium instance behind the small
// surface the pipeline needs: read a selector's innerHTML after client-side
// scripts ran, evaluate a page's global content variable, and capture a
// rendered document body. One browser and one tab are reused across all
// navigations of a run; Launch pairs with Close so the process is released
// on every exit path.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// DefaultWait bounds element-appearance waits when the caller passes no
// explicit timeout.
const DefaultWait = 8 * time.Second

// Browser is a live headless Chromium with one reusable tab.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	log         *zap.SugaredLogger
}

// Launch starts headless Chromium eagerly so a missing binary fails here,
// not on the first navigation. Callers must defer Close.
func Launch(parent context.Context, log *zap.SugaredLogger) (*Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, chromedp.DefaultExecAllocatorOptions[:]...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Browser{
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		log:         log,
	}, nil
}

// Close shuts the tab and the browser process down.
func (b *Browser) Close() {
	b.cancel()
	b.allocCancel()
}

// InnerHTML opens url, waits for selector to be ready within timeout, and
// returns its innerHTML. Timeouts and absent selectors yield an empty
// string with a warning — the caller treats empty as "not ready, retry on a
// later run".
func (b *Browser) InnerHTML(url, selector string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = DefaultWait
	}
	ctx, cancel := context.WithTimeout(b.ctx, timeout+30*time.Second)
	defer cancel()

	var html string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		waitFor(selector, timeout),
		chromedp.InnerHTML(selector, &html, chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			b.log.Warnw("selector did not appear", "url", url, "selector", selector)
		} else {
			b.log.Warnw("browser extraction failed", "url", url, "selector", selector, "error", err)
		}
		return ""
	}
	return html
}

// EvalContentVar opens url and returns the page's global `content` JS
// variable, used by detail pages that embed their body as a script constant
// instead of server-rendered markup. Empty on any failure, with a warning.
func (b *Browser) EvalContentVar(url string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = DefaultWait
	}
	ctx, cancel := context.WithTimeout(b.ctx, timeout+30*time.Second)
	defer cancel()

	var content string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.Poll(`document.readyState === "complete"`, nil, chromedp.WithPollingTimeout(timeout)),
		chromedp.Evaluate(`typeof content === "string" ? content : ""`, &content),
	)
	if err != nil {
		b.log.Warnw("content variable extraction failed", "url", url, "error", err)
		return ""
	}
	return content
}

// BodyInnerHTML opens url, waits until readyExpr evaluates true (or the
// document is complete when readyExpr is empty), and returns the body's
// innerHTML. Used to capture the DOM after client-side math rendering.
func (b *Browser) BodyInnerHTML(url, readyExpr string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultWait
	}
	if readyExpr == "" {
		readyExpr = `document.readyState === "complete"`
	}
	ctx, cancel := context.WithTimeout(b.ctx, timeout+30*time.Second)
	defer cancel()

	var body string
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.Poll(readyExpr, nil, chromedp.WithPollingTimeout(timeout)),
		chromedp.InnerHTML("body", &body, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("failed to capture rendered body of %s: %w", url, err)
	}
	return body, nil
}

// waitFor bounds a single element wait without cancelling the whole run
// context.
func waitFor(selector string, timeout time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return chromedp.WaitReady(selector, chromedp.ByQuery).Do(waitCtx)
	})
}
