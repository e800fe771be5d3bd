// Package feed holds the venue-facing collaborators of the stream manager:
// the push (websocket) market-data and trade-update feeds, the REST client
// used for backfill and polling, and the shared error taxonomy.
package feed

import (
	"context"
	"errors"
	"strings"

	"quoteflow/models"
)

// MarketKind identifies the logical market channel a feed serves.
type MarketKind string

const (
	KindEquity MarketKind = "equity"
	KindCrypto MarketKind = "crypto"
)

var (
	// ErrEntitlement signals that the requested feed tier is not authorized
	// for this account. Callers downgrade to a lower tier instead of failing.
	ErrEntitlement = errors.New("feed tier not authorized")

	// ErrRateLimited signals that the venue reported request throttling.
	ErrRateLimited = errors.New("venue rate limit")

	// ErrNotConnected is returned by feed operations before a successful dial.
	ErrNotConnected = errors.New("feed not connected")
)

// MarketDataFeed is one push subscription channel for bars. Implementations
// own a single underlying connection; the stream manager owns the handle and
// is the only component allowed to close it.
type MarketDataFeed interface {
	// SubscribeBars registers the handler for the given symbols. It may be
	// called repeatedly to subscribe in batches.
	SubscribeBars(handler func(models.Bar), symbols ...string) error
	// Run blocks reading the channel until the context is cancelled, Close is
	// called, or the connection errors.
	Run(ctx context.Context) error
	Close() error
}

// TradeUpdateFeed is the push channel for order updates.
type TradeUpdateFeed interface {
	SubscribeTradeUpdates(handler func(models.OrderUpdateEvent)) error
	Run(ctx context.Context) error
	Close() error
}

// Factory creates feed instances. The stream manager receives a Factory at
// construction; tests inject fakes through the same interface instead of
// swapping implementations at runtime.
type Factory interface {
	MarketFeed(kind MarketKind, tier string) (MarketDataFeed, error)
	TradeFeed() (TradeUpdateFeed, error)
	// ValidateFeed probes whether the account is entitled to the given feed
	// tier, returning ErrEntitlement when it is not.
	ValidateFeed(ctx context.Context, tier string) error
}

// IsRateLimitSignal reports whether err looks like venue throttling, either
// via the sentinel or via the wording venues use in error payloads.
func IsRateLimitSignal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "connection limit")
}
