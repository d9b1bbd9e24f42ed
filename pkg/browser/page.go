// pkg/browser/page.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// chromePage drives one tab of the shared browser process. Each call runs on
// a context derived from the tab so a caller deadline cancels the CDP action
// without killing the tab itself.
type chromePage struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
	logger    *zap.Logger
	settle    time.Duration
	closeOnce sync.Once
}

// newChromePage opens a tab off the allocator and waits for it to
// materialize.
func newChromePage(allocCtx context.Context, logger *zap.Logger, settle time.Duration) (PageDriver, error) {
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Run with no actions forces tab creation up front, so factory errors
	// surface here instead of on first use.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("opening browser tab: %w", err)
	}

	return &chromePage{
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
		logger:    logger.Named("page"),
		settle:    settle,
	}, nil
}

// run executes actions against the tab, honoring the caller's deadline.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating.", zap.String("url", url))
	return p.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(p.settle),
	)
}

func (p *chromePage) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (p *chromePage) IsVisible(ctx context.Context, selector string) (bool, error) {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return !!(el && (el.offsetWidth || el.offsetHeight || el.getClientRects().length));
	})()`, selector)
	var visible bool
	if err := p.run(ctx, chromedp.Evaluate(js, &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

func (p *chromePage) Evaluate(ctx context.Context, js string, out any) error {
	return p.run(ctx, chromedp.Evaluate(js, out))
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery))
	return text, err
}

func (p *chromePage) PageText(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Text("body", &text, chromedp.ByQuery))
	return text, err
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = cdppage.CaptureScreenshot().
			WithCaptureBeyondViewport(true).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (p *chromePage) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.tabCancel()
		p.logger.Debug("Tab closed.")
	})
	return nil
}
