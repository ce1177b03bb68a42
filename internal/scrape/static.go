package scrape

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/smartprice/price-watcher/internal/models"
)

// Rotated to look less like a bot; mirrors what real browsers send.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Fallback hints when a locator has an availability selector but no
// explicit out-of-stock text.
var outOfStockHints = []string{"out of stock", "sold out", "unavailable", "esgotado", "indisponível"}

// StaticAdapter scrapes server-rendered pages: a plain GET with browser-like
// headers, then CSS-selector extraction from the HTML.
type StaticAdapter struct {
	name   string
	client *resty.Client
}

var _ Adapter = (*StaticAdapter)(nil)

// NewStaticAdapter creates an adapter for one server-rendered site family.
func NewStaticAdapter(name string, timeout time.Duration) *StaticAdapter {
	return &StaticAdapter{
		name:   name,
		client: resty.New().SetTimeout(timeout),
	}
}

func (a *StaticAdapter) Name() string { return a.name }

// Fetch downloads the page at the locator URL. Non-200 responses are
// classified as Blocked (anti-bot defenses answer with 403/429/challenge
// pages); transport errors split into Timeout and Network.
func (a *StaticAdapter) Fetch(ctx context.Context, locator models.Locator) ([]byte, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", userAgents[rand.Intn(len(userAgents))]).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.8").
		Get(locator.URL)

	if err != nil {
		return nil, models.NewScrapeError(classifyTransportError(err), "", a.name, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, models.NewScrapeError(models.ErrBlocked, "", a.name,
			fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode(), locator.URL))
	}
	return resp.Body(), nil
}

// Parse extracts one observation from fetched HTML. A missing price node on
// an in-stock page means the site layout changed and the adapter needs
// maintenance; that is surfaced as LayoutChanged, never retried as-is.
func (a *StaticAdapter) Parse(raw []byte, locator models.Locator) (models.PriceObservation, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return models.PriceObservation{}, models.NewScrapeError(models.ErrLayoutChanged, "", a.name, err)
	}

	available := parseAvailability(doc, locator)

	priceText := strings.TrimSpace(doc.Find(locator.PriceSelector).First().Text())
	if priceText == "" {
		if !available {
			// Out-of-stock pages often drop the price node entirely.
			return models.PriceObservation{Available: false, Currency: locator.Currency, Source: a.name}, nil
		}
		return models.PriceObservation{}, models.NewScrapeError(models.ErrLayoutChanged, "", a.name,
			fmt.Errorf("price selector %q matched nothing", locator.PriceSelector))
	}

	price, err := ParsePrice(priceText)
	if err != nil {
		return models.PriceObservation{}, models.NewScrapeError(models.ErrLayoutChanged, "", a.name, err)
	}

	return models.PriceObservation{
		Price:     price,
		Currency:  locator.Currency,
		Available: available,
		Source:    a.name,
	}, nil
}

func parseAvailability(doc *goquery.Document, locator models.Locator) bool {
	if locator.AvailabilitySelector == "" {
		return true
	}
	node := doc.Find(locator.AvailabilitySelector).First()
	if node.Length() == 0 {
		// No availability banner at all reads as in stock.
		return true
	}
	text := strings.ToLower(strings.TrimSpace(node.Text()))
	if locator.OutOfStockText != "" {
		return !strings.Contains(text, strings.ToLower(locator.OutOfStockText))
	}
	for _, hint := range outOfStockHints {
		if strings.Contains(text, hint) {
			return false
		}
	}
	return true
}

func classifyTransportError(err error) models.ErrorKind {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return models.ErrTimeout
	}
	if strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		return models.ErrTimeout
	}
	return models.ErrNetwork
}
