// Package fetcher talks to the storefront catalog and pricing endpoints and
// isolates unparseable identifiers by bisecting failing batches.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pricewatch/internal/model"
)

const maxBodySize = 64 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures the upstream endpoints.
type Options struct {
	CatalogURL string
	PricingURL string
	UserAgent  string
	Timeout    time.Duration
}

// Client downloads and parses catalog snapshots and price batches.
type Client struct {
	client HTTPClient
	opts   Options
}

// New creates a Client with the given HTTP client.
func New(client HTTPClient, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pricewatch/1.0"
	}
	return &Client{client: client, opts: opts}
}

// Catalog downloads the full list of catalog items.
func (c *Client) Catalog(ctx context.Context) ([]model.ItemRef, error) {
	body, err := c.get(ctx, c.opts.CatalogURL)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(body)
}

// Prices queries the pricing endpoint for one batch of ids.
func (c *Client) Prices(ctx context.Context, batch model.Batch) (map[int64]model.Outcome, error) {
	u, err := url.Parse(c.opts.PricingURL)
	if err != nil {
		return nil, &TransportError{Op: "build url", Err: err}
	}
	q := u.Query()
	q.Set("appids", batch.Param())
	q.Set("filters", "price_overview")
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	return ParsePrices(body)
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "http get", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Op: "http get", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransportError{Op: "read body", Err: err}
	}
	return body, nil
}

type catalogResponse struct {
	AppList *struct {
		Apps []struct {
			AppID int64  `json:"appid"`
			Name  string `json:"name"`
		} `json:"apps"`
	} `json:"applist"`
}

// ParseCatalog decodes a catalog snapshot. Duplicate ids keep their first name.
func ParseCatalog(body []byte) ([]model.ItemRef, error) {
	var resp catalogResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{Err: err}
	}
	if resp.AppList == nil {
		return nil, parseErrorf("missing applist")
	}
	if len(resp.AppList.Apps) == 0 {
		return nil, parseErrorf("empty catalog")
	}

	seen := make(map[int64]struct{}, len(resp.AppList.Apps))
	refs := make([]model.ItemRef, 0, len(resp.AppList.Apps))
	for _, app := range resp.AppList.Apps {
		if _, ok := seen[app.AppID]; ok {
			continue
		}
		seen[app.AppID] = struct{}{}
		refs = append(refs, model.ItemRef{ID: app.AppID, Name: app.Name})
	}
	return refs, nil
}

type priceEntry struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type priceData struct {
	PriceOverview *struct {
		Initial         int64 `json:"initial"`
		Final           int64 `json:"final"`
		DiscountPercent int64 `json:"discount_percent"`
	} `json:"price_overview"`
}

// ParsePrices decodes a pricing response into per-id outcomes.
func ParsePrices(body []byte) (map[int64]model.Outcome, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ParseError{Err: err}
	}
	if raw == nil {
		return nil, parseErrorf("null response")
	}

	out := make(map[int64]model.Outcome, len(raw))
	for key, msg := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, parseErrorf("id %q: %w", key, err)
		}

		var entry priceEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, parseErrorf("id %d: %w", id, err)
		}
		if entry.Success == nil {
			return nil, parseErrorf("id %d: missing success flag", id)
		}

		outcome := model.Outcome{Success: *entry.Success}
		if outcome.Success && hasData(entry.Data) {
			var data priceData
			if err := json.Unmarshal(entry.Data, &data); err != nil {
				return nil, parseErrorf("id %d data: %w", id, err)
			}
			if po := data.PriceOverview; po != nil {
				outcome.Price = &model.PriceOverview{
					Initial:         po.Initial,
					Final:           po.Final,
					DiscountPercent: po.DiscountPercent,
				}
			}
		}
		out[id] = outcome
	}
	return out, nil
}

// hasData reports whether a data payload carries anything. The pricing
// endpoint encodes "nothing" as null, [] or {}.
func hasData(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	switch string(v) {
	case "", "null", "[]", "{}":
		return false
	}
	return true
}
