package scrape

import (
	"context"
	"errors"

	"github.com/chromedp/chromedp"
	"github.com/smartprice/price-watcher/internal/models"
)

// HeadlessAdapter renders JavaScript-heavy site families in headless Chrome
// before handing the resulting DOM to the same selector-based parser the
// static adapter uses.
type HeadlessAdapter struct {
	name   string
	static *StaticAdapter
}

var _ Adapter = (*HeadlessAdapter)(nil)

// NewHeadlessAdapter creates a headless-browser adapter for one site family.
func NewHeadlessAdapter(name string) *HeadlessAdapter {
	return &HeadlessAdapter{name: name, static: &StaticAdapter{name: name}}
}

func (a *HeadlessAdapter) Name() string { return a.name }

// Fetch navigates a fresh browser tab to the locator URL and returns the
// rendered document. One allocator per fetch keeps crashed renderers from
// poisoning later jobs.
func (a *HeadlessAdapter) Fetch(ctx context.Context, locator models.Locator) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgents[0]),
		chromedp.WindowSize(1280, 900),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelTab()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(locator.URL),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		kind := models.ErrNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.ErrTimeout
		}
		return nil, models.NewScrapeError(kind, "", a.name, err)
	}
	return []byte(html), nil
}

// Parse delegates to the selector-based HTML parser.
func (a *HeadlessAdapter) Parse(raw []byte, locator models.Locator) (models.PriceObservation, error) {
	return a.static.Parse(raw, locator)
}
