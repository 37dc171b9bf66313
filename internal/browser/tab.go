// File: internal/browser/tab.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/nullpath/webpilot/api/schemas"
)

// contentLimit caps get_page_content payloads so a single observation cannot
// blow the conversation budget.
const contentLimit = 10000

// Tab is one isolated page, exclusively owned by a session. Calls are
// serialized by the dispatcher; Tab itself only guards its close path.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	screenshotDir string
	opTimeout     time.Duration
	selTimeout    time.Duration

	// highlightSeq numbers the click-highlight boxes drawn on the page.
	highlightSeq int

	mu     sync.Mutex
	closed bool
	done   func()
}

// run executes chromedp actions against the tab with a per-operation
// deadline, honoring caller cancellation.
func (t *Tab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := t.ctx.Err(); err != nil {
		return fmt.Errorf("%w: tab is gone: %v", schemas.ErrEngineFatal, err)
	}
	opCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(opCtx, actions...)
}

// ClickXY draws a numbered highlight box at (x, y) and clicks there.
func (t *Tab) ClickXY(ctx context.Context, x, y int) (string, error) {
	t.highlightSeq++
	if err := t.run(ctx, t.opTimeout,
		chromedp.Evaluate(highlightJS(x, y, t.highlightSeq), nil),
		chromedp.MouseClickXY(float64(x), float64(y)),
	); err != nil {
		return "", err
	}
	return fmt.Sprintf("Clicked at coordinates (%d, %d)", x, y), nil
}

// ClickSelector clicks the first visible element matching the CSS selector,
// failing with ErrElementNotFound when nothing matches within the selector
// timeout.
func (t *Tab) ClickSelector(ctx context.Context, selector string) (string, error) {
	err := t.run(ctx, t.selTimeout,
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
	if err != nil {
		if t.ctx.Err() == nil {
			// The tab is alive, so the selector simply never matched.
			return "", fmt.Errorf("%w: selector %q: %v", schemas.ErrElementNotFound, selector, err)
		}
		return "", err
	}
	return fmt.Sprintf("Clicked element with selector: %s", selector), nil
}

// TypeText types into the currently focused element.
func (t *Tab) TypeText(ctx context.Context, text string) (string, error) {
	if err := t.run(ctx, t.opTimeout, input.InsertText(text)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Typed text: %s", text), nil
}

// Scroll moves the page one viewport height up or down.
func (t *Tab) Scroll(ctx context.Context, direction string) (string, error) {
	js := "window.scrollBy(0, window.innerHeight)"
	if direction == schemas.ScrollUp {
		js = "window.scrollBy(0, -window.innerHeight)"
	}
	if err := t.run(ctx, t.opTimeout, chromedp.Evaluate(js, nil)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Scrolled %s", direction), nil
}

// PageContent returns the page's visible text, truncated to contentLimit.
func (t *Tab) PageContent(ctx context.Context) (string, error) {
	var content string
	if err := t.run(ctx, t.opTimeout,
		chromedp.Evaluate("document.body.innerText", &content),
	); err != nil {
		return "", err
	}
	if len(content) > contentLimit {
		return content[:contentLimit] + "... (content truncated)", nil
	}
	return content, nil
}

// DOMStructure captures the page HTML and returns a simplified, depth-limited
// JSON tree of it.
func (t *Tab) DOMStructure(ctx context.Context, maxDepth int) (string, error) {
	var html string
	if err := t.run(ctx, t.opTimeout,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", err
	}
	return BuildDOMTree(html, maxDepth)
}

// ExtractData captures the page HTML and applies the extraction strategy
// selected by pattern.
func (t *Tab) ExtractData(ctx context.Context, pattern string) (string, error) {
	var html string
	if err := t.run(ctx, t.opTimeout,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", err
	}
	return Extract(html, pattern)
}

// Screenshot captures the viewport to a PNG under the configured directory
// and reports the path.
func (t *Tab) Screenshot(ctx context.Context) (string, error) {
	var buf []byte
	if err := t.run(ctx, t.opTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", err
	}

	if err := os.MkdirAll(t.screenshotDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	path := filepath.Join(t.screenshotDir,
		fmt.Sprintf("screenshot_%s.png", time.Now().UTC().Format("20060102T150405.000")))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}

	t.logger.Debug("Screenshot captured", zap.String("path", path), zap.Int("bytes", len(buf)))
	return fmt.Sprintf("Screenshot saved to %s. The image shows the current state of the browser window.", path), nil
}

// ClearHighlights removes every debug overlay element from the page.
func (t *Tab) ClearHighlights(ctx context.Context) (string, error) {
	if err := t.run(ctx, t.opTimeout, chromedp.Evaluate(clearHighlightsJS, nil)); err != nil {
		return "", err
	}
	return "All highlight boxes cleared from page", nil
}

// ShowSelectors overlays numbered selector markers on visible elements of the
// requested types.
func (t *Tab) ShowSelectors(ctx context.Context, elementTypes string) (string, error) {
	var count int
	if err := t.run(ctx, t.opTimeout,
		chromedp.Evaluate(showSelectorsJS(elementTypes), &count),
	); err != nil {
		return "", err
	}
	return fmt.Sprintf("Added %d selector markers for %s elements. Hover a marker to see its CSS selector.", count, elementTypes), nil
}

// CurrentURL returns the tab's current location.
func (t *Tab) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := t.run(ctx, t.opTimeout, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// Close releases the tab. Safe to call more than once.
func (t *Tab) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	if t.done != nil {
		t.done()
	}
	return nil
}
