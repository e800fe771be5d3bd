package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	appconfig "quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// Client is the venue REST client used for entitlement probes, post-reconnect
// backfill, and the polling fallback.
type Client struct {
	cfg  *appconfig.Config
	http *http.Client
	log  *logger.Log
}

// NewClient builds a Client with a pooled transport sized from the venue
// connection-pool configuration.
func NewClient(cfg *appconfig.Config, log *logger.Log) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Venue.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Venue.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Venue.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Venue.ConnectionPool.IdleConnTimeout,
	}

	timeout := cfg.Venue.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		log: log,
	}

	log.WithComponent("rest_client").WithFields(logger.Fields{
		"base_url":           cfg.Venue.RestURL,
		"timeout":            timeout,
		"max_conns_per_host": cfg.Venue.ConnectionPool.MaxConnsPerHost,
	}).Info("rest client initialized")

	return c
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("venue returned %d: %s", e.code, e.body)
}

// GetBars fetches historical bars for one symbol, ordered ascending by
// timestamp. Used for backfill after a reconnect.
func (c *Client) GetBars(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]models.Bar, error) {
	q := url.Values{}
	q.Set("timeframe", timeframe)
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Bars []models.Bar `json:"bars"`
	}
	u := fmt.Sprintf("%s/v1/bars/%s?%s", c.cfg.Venue.RestURL, url.PathEscape(symbol), q.Encode())
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("get bars for %s: %w", symbol, err)
	}
	for i := range resp.Bars {
		resp.Bars[i].Symbol = symbol
	}
	return resp.Bars, nil
}

// LatestBars fetches the most recent bar for each symbol. Used by the bar
// polling fallback.
func (c *Client) LatestBars(ctx context.Context, symbols []string) ([]models.Bar, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))

	var resp struct {
		Bars map[string]models.Bar `json:"bars"`
	}
	u := fmt.Sprintf("%s/v1/bars/latest?%s", c.cfg.Venue.RestURL, q.Encode())
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("get latest bars: %w", err)
	}

	out := make([]models.Bar, 0, len(resp.Bars))
	for symbol, bar := range resp.Bars {
		bar.Symbol = symbol
		out = append(out, bar)
	}
	return out, nil
}

// RecentOrders returns order updates modified after the given time. Used by
// the order polling fallback.
func (c *Client) RecentOrders(ctx context.Context, since time.Time) ([]models.OrderUpdateEvent, error) {
	q := url.Values{}
	q.Set("updated_after", since.UTC().Format(time.RFC3339))

	var resp []models.OrderUpdateEvent
	u := fmt.Sprintf("%s/v1/orders?%s", c.cfg.Venue.RestURL, q.Encode())
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("get recent orders: %w", err)
	}
	return resp, nil
}

// ValidateFeed probes whether the account may subscribe to the given feed
// tier. A 403 from the entitlement endpoint maps to ErrEntitlement.
func (c *Client) ValidateFeed(ctx context.Context, tier string) error {
	q := url.Values{}
	q.Set("feed", tier)

	var resp struct {
		Authorized bool `json:"authorized"`
	}
	u := fmt.Sprintf("%s/v1/account/entitlements?%s", c.cfg.Venue.RestURL, q.Encode())
	err := c.getJSON(ctx, u, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusForbidden {
			return fmt.Errorf("feed %q: %w", tier, ErrEntitlement)
		}
		return fmt.Errorf("validate feed %q: %w", tier, err)
	}
	if !resp.Authorized {
		return fmt.Errorf("feed %q: %w", tier, ErrEntitlement)
	}
	return nil
}

// getJSON issues the request with exponential-backoff retries on throttling,
// server errors, and transport failures.
func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second

	maxAttempts := c.cfg.Venue.RetryMax
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = c.getJSONOnce(ctx, rawURL, out)
		if err == nil || !retryable(err) || attempt >= maxAttempts {
			return err
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = bo.MaxInterval
		}
		c.log.WithComponent("rest_client").WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"sleep":   sleep,
		}).Warn("request failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (c *Client) getJSONOnce(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key-ID", c.cfg.Venue.KeyID)
	req.Header.Set("X-API-Secret-Key", c.cfg.Venue.SecretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func retryable(err error) bool {
	if IsRateLimitSignal(err) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	// Anything else at this point is a transport-level failure worth
	// another try; malformed payloads are not.
	var je *json.SyntaxError
	var te *json.UnmarshalTypeError
	return !errors.As(err, &je) && !errors.As(err, &te)
}
