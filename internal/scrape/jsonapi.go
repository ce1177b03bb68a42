package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smartprice/price-watcher/internal/models"
)

// JSONAdapter scrapes site families that expose a product JSON endpoint.
// The locator carries dot paths into the response document.
type JSONAdapter struct {
	name   string
	client *resty.Client
}

var _ Adapter = (*JSONAdapter)(nil)

// NewJSONAdapter creates an adapter for one JSON API site family.
func NewJSONAdapter(name string, timeout time.Duration) *JSONAdapter {
	return &JSONAdapter{
		name:   name,
		client: resty.New().SetTimeout(timeout),
	}
}

func (a *JSONAdapter) Name() string { return a.name }

func (a *JSONAdapter) Fetch(ctx context.Context, locator models.Locator) ([]byte, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgents[0]).
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

// Parse walks the configured dot paths. A missing or unreadable price path
// signals a changed response shape, reported as LayoutChanged.
func (a *JSONAdapter) Parse(raw []byte, locator models.Locator) (models.PriceObservation, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.PriceObservation{}, models.NewScrapeError(models.ErrLayoutChanged, "", a.name, err)
	}

	available := true
	if locator.AvailabilityPath != "" {
		if v, ok := walkPath(doc, locator.AvailabilityPath); ok {
			available = truthy(v)
		}
	}

	v, ok := walkPath(doc, locator.PricePath)
	if !ok {
		if !available {
			return models.PriceObservation{Available: false, Currency: locator.Currency, Source: a.name}, nil
		}
		return models.PriceObservation{}, models.NewScrapeError(models.ErrLayoutChanged, "", a.name,
			fmt.Errorf("price path %q absent from response", locator.PricePath))
	}

	price, err := numeric(v)
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

func walkPath(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func numeric(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, nil
		}
		return ParsePrice(n)
	default:
		return 0, fmt.Errorf("price field has unsupported type %T", v)
	}
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		s := strings.ToLower(b)
		return s == "true" || s == "in_stock" || s == "instock" || s == "available" || s == "yes"
	case float64:
		return b != 0
	default:
		return false
	}
}
