package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsControlTimeout   = 5 * time.Second
	wsReadLimit        = 2 * 1024 * 1024
)

// Venue websocket error codes surfaced in control responses.
const (
	wsCodeAuthFailed      = 402
	wsCodeInsufficientSub = 409
	wsCodeTooManyRequests = 429
)

// wsMessage is the envelope the venue uses on its streaming sockets. The
// message type tag selects which of the optional payload fields is set.
type wsMessage struct {
	Type string `json:"T"`
	Msg  string `json:"msg,omitempty"`
	Code int    `json:"code,omitempty"`

	// Bar payload, present when Type == "b".
	models.Bar

	// Order update payload, present when Type == "o".
	Order *models.OrderUpdateEvent `json:"order,omitempty"`
}

type wsControl struct {
	Action  string   `json:"action"`
	Key     string   `json:"key,omitempty"`
	Secret  string   `json:"secret,omitempty"`
	Bars    []string `json:"bars,omitempty"`
	Streams []string `json:"streams,omitempty"`
}

// wsConn wraps one venue websocket with lazy dial + auth. The connection
// handle is owned by whoever constructed the feed; Close is idempotent.
type wsConn struct {
	url    string
	keyID  string
	secret string
	log    *logger.Entry

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (c *wsConn) ensureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(wsReadLimit)

	if err := c.controlLocked(conn, wsControl{
		Action: "auth",
		Key:    c.keyID,
		Secret: c.secret,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("authenticate: %w", err)
	}

	c.conn = conn
	c.log.Info("websocket connected")
	return nil
}

// controlLocked sends one control message and reads frames until the venue
// acknowledges it or reports an error. Callers hold c.mu; Run is not reading
// yet while control messages are exchanged.
func (c *wsConn) controlLocked(conn *websocket.Conn, msg wsControl) error {
	conn.SetWriteDeadline(time.Now().Add(wsControlTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(wsControlTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frames []wsMessage
		if err := json.Unmarshal(payload, &frames); err != nil {
			return fmt.Errorf("decode control response: %w", err)
		}
		for _, f := range frames {
			switch f.Type {
			case "success", "subscription":
				return nil
			case "error":
				return mapWSError(f.Code, f.Msg)
			}
			// Data frames may interleave with control responses; skip them.
		}
	}
}

func mapWSError(code int, msg string) error {
	switch code {
	case wsCodeInsufficientSub:
		return fmt.Errorf("%s: %w", msg, ErrEntitlement)
	case wsCodeTooManyRequests:
		return fmt.Errorf("%s: %w", msg, ErrRateLimited)
	case wsCodeAuthFailed:
		return fmt.Errorf("authentication rejected: %s", msg)
	default:
		return fmt.Errorf("venue error %d: %s", code, msg)
	}
}

// run reads frames and routes them until ctx is cancelled, Close is called,
// or the connection fails.
func (c *wsConn) run(ctx context.Context, onFrame func(wsMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var frames []wsMessage
		if err := json.Unmarshal(payload, &frames); err != nil {
			c.log.WithError(err).Warn("failed to decode frame, skipping")
			continue
		}
		for _, f := range frames {
			onFrame(f)
		}
	}
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the connection down. Safe to call more than once and before
// the first dial.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	// Best effort: tell the venue we are leaving before dropping the socket.
	c.conn.SetWriteDeadline(time.Now().Add(wsControlTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	c.log.Info("websocket closed")
	return err
}

// MarketWS streams bars for one market kind over a venue websocket.
type MarketWS struct {
	wsConn
	kind MarketKind

	handlerMu sync.RWMutex
	handler   func(models.Bar)
}

func newMarketWS(rawURL string, kind MarketKind, cfg *appconfig.Config, log *logger.Log) *MarketWS {
	return &MarketWS{
		wsConn: wsConn{
			url:    rawURL,
			keyID:  cfg.Venue.KeyID,
			secret: cfg.Venue.SecretKey,
			log: log.WithComponent("market_feed").WithFields(logger.Fields{
				"kind": string(kind),
			}),
		},
		kind: kind,
	}
}

// SubscribeBars registers the handler and subscribes one batch of symbols.
func (f *MarketWS) SubscribeBars(handler func(models.Bar), symbols ...string) error {
	if err := f.ensureConnected(); err != nil {
		return err
	}

	f.handlerMu.Lock()
	f.handler = handler
	f.handlerMu.Unlock()

	if len(symbols) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return ErrNotConnected
	}
	if err := f.controlLocked(f.conn, wsControl{Action: "subscribe", Bars: symbols}); err != nil {
		return fmt.Errorf("subscribe bars: %w", err)
	}

	f.log.WithFields(logger.Fields{"symbols": symbols}).Info("subscribed to bars")
	return nil
}

// Run blocks delivering bars to the registered handler.
func (f *MarketWS) Run(ctx context.Context) error {
	return f.run(ctx, func(m wsMessage) {
		switch m.Type {
		case "b":
			f.handlerMu.RLock()
			handler := f.handler
			f.handlerMu.RUnlock()
			if handler != nil {
				logger.IncrementBarReceived(len(m.Bar.Symbol) + 48)
				handler(m.Bar)
			}
		case "error":
			f.log.WithFields(logger.Fields{"code": m.Code, "msg": m.Msg}).Warn("venue reported stream error")
		}
	})
}

// TradeWS streams order updates over the venue trade socket.
type TradeWS struct {
	wsConn

	handlerMu sync.RWMutex
	handler   func(models.OrderUpdateEvent)
}

func newTradeWS(rawURL string, cfg *appconfig.Config, log *logger.Log) *TradeWS {
	return &TradeWS{
		wsConn: wsConn{
			url:    rawURL,
			keyID:  cfg.Venue.KeyID,
			secret: cfg.Venue.SecretKey,
			log:    log.WithComponent("trade_feed"),
		},
	}
}

// SubscribeTradeUpdates registers the handler and asks the venue for the
// trade-update stream.
func (f *TradeWS) SubscribeTradeUpdates(handler func(models.OrderUpdateEvent)) error {
	if err := f.ensureConnected(); err != nil {
		return err
	}

	f.handlerMu.Lock()
	f.handler = handler
	f.handlerMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return ErrNotConnected
	}
	if err := f.controlLocked(f.conn, wsControl{Action: "listen", Streams: []string{"trade_updates"}}); err != nil {
		return fmt.Errorf("listen trade updates: %w", err)
	}

	f.log.Info("subscribed to trade updates")
	return nil
}

// Run blocks delivering order updates to the registered handler.
func (f *TradeWS) Run(ctx context.Context) error {
	return f.run(ctx, func(m wsMessage) {
		switch m.Type {
		case "o":
			if m.Order == nil {
				return
			}
			f.handlerMu.RLock()
			handler := f.handler
			f.handlerMu.RUnlock()
			if handler != nil {
				logger.IncrementOrderReceived(len(m.Order.OrderID) + 64)
				handler(*m.Order)
			}
		case "error":
			f.log.WithFields(logger.Fields{"code": m.Code, "msg": m.Msg}).Warn("venue reported stream error")
		}
	})
}

// VenueFactory builds live feeds against the configured venue endpoints.
type VenueFactory struct {
	cfg  *appconfig.Config
	rest *Client
	log  *logger.Log
}

func NewVenueFactory(cfg *appconfig.Config, rest *Client, log *logger.Log) *VenueFactory {
	return &VenueFactory{cfg: cfg, rest: rest, log: log}
}

func (v *VenueFactory) MarketFeed(kind MarketKind, tier string) (MarketDataFeed, error) {
	rawURL := v.cfg.Venue.MarketWSURL
	if kind == KindCrypto {
		rawURL = v.cfg.Venue.CryptoWSURL
	}
	if rawURL == "" {
		return nil, fmt.Errorf("no websocket endpoint configured for %s", kind)
	}
	// The feed tier only applies to the equity stream.
	if kind == KindEquity && tier != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse market ws url: %w", err)
		}
		q := u.Query()
		q.Set("feed", tier)
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}
	return newMarketWS(rawURL, kind, v.cfg, v.log), nil
}

func (v *VenueFactory) TradeFeed() (TradeUpdateFeed, error) {
	if v.cfg.Venue.TradeWSURL == "" {
		return nil, fmt.Errorf("no trade websocket endpoint configured")
	}
	return newTradeWS(v.cfg.Venue.TradeWSURL, v.cfg, v.log), nil
}

func (v *VenueFactory) ValidateFeed(ctx context.Context, tier string) error {
	return v.rest.ValidateFeed(ctx, tier)
}
