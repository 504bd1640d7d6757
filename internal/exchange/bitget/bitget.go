// Package bitget implements core.IExchangeConnector against Bitget's v2
// REST API and v2 public/private WebSocket streams. It canonicalizes on
// the v2 surface rather than the legacy flat client: v2 is the only one
// of the two REST lineages with a stable spot/mix split, and its
// websocket/bgws_client.py counterpart is the one still wired to the
// v2 channel names this connector subscribes to.
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ohlcv/gridengine/internal/config"
	"github.com/ohlcv/gridengine/internal/core"
	"github.com/ohlcv/gridengine/pkg/apperrors"
	"github.com/ohlcv/gridengine/pkg/resilience"
	"github.com/ohlcv/gridengine/pkg/websocket"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL   = "https://api.bitget.com"
	defaultPublicWS  = "wss://ws.bitget.com/v2/ws/public"
	defaultPrivateWS = "wss://ws.bitget.com/v2/ws/private"
	loginRequestPath = "/user/verify"
)

// Connector is a Bitget v2 REST+WS exchange integration.
type Connector struct {
	cfg    config.ExchangeConfig
	logger core.ILogger
	http   *resilience.Client

	wsPublic  *websocket.Client
	wsPrivate *websocket.Client

	mu          sync.RWMutex
	symbols     map[string]core.SymbolConfig
	subscribers map[string]map[string]struct{}
	loggedIn    bool

	ticks  chan core.TickerEvent
	fills  chan core.FillEventEnvelope
	status chan core.ConnectionState
}

// New builds a Connector and starts its WebSocket streams. Symbol
// configs are resolved lazily on first GetSymbolConfig call per pair.
func New(cfg config.ExchangeConfig, logger core.ILogger) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaultPublicWS
	}

	c := &Connector{
		cfg:         cfg,
		logger:      logger.WithField("exchange", "bitget"),
		http:        resilience.NewClient(10 * time.Second),
		symbols:     make(map[string]core.SymbolConfig),
		subscribers: make(map[string]map[string]struct{}),
		ticks:       make(chan core.TickerEvent, 256),
		fills:       make(chan core.FillEventEnvelope, 256),
		status:      make(chan core.ConnectionState, 8),
	}

	c.wsPublic = websocket.NewClient(cfg.WSURL, c.handlePublicMessage, c.logger.WithField("ws", "public"))
	c.wsPrivate = websocket.NewClient(defaultPrivateWS, c.handlePrivateMessage, c.logger.WithField("ws", "private"))
	c.wsPrivate.SetOnConnected(c.login)

	c.status <- core.Connecting
	c.wsPublic.Start()
	c.wsPrivate.Start()

	return c
}

// Close tears down both WebSocket connections.
func (c *Connector) Close() {
	c.wsPublic.Stop()
	c.wsPrivate.Stop()
}

// signRequest builds the auth headers of Bitget's v2 HMAC-SHA256
// scheme: base64(hmac_sha256(timestamp + method + requestPath + body)).
// doRequest hands them to resilience.Client through headerSigner, which
// is the resilience.Signer implementation.
func (c *Connector) signRequest(req *signableRequest) (headers map[string]string, err error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := timestamp + strings.ToUpper(req.Method) + req.Path + req.Body
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(message))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"ACCESS-KEY":        c.cfg.APIKey,
		"ACCESS-SIGN":       sig,
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": c.cfg.Passphrase,
		"Content-Type":      "application/json",
	}, nil
}

// signableRequest carries what signRequest needs; it is built outside
// resilience.Client because Bitget signs the request path (including
// query string) rather than the host-qualified URL.
type signableRequest struct {
	Method string
	Path   string
	Body   string
}

func (c *Connector) doRequest(ctx context.Context, method, path string, query url.Values, payload interface{}) ([]byte, error) {
	fullPath := path
	if len(query) > 0 {
		fullPath = path + "?" + query.Encode()
	}

	var bodyBytes []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling bitget request: %w", err)
		}
		bodyBytes = b
	}

	headers, err := c.signRequest(&signableRequest{Method: method, Path: fullPath, Body: string(bodyBytes)})
	if err != nil {
		return nil, err
	}

	respBody, err := c.http.Do(ctx, method, c.cfg.BaseURL+fullPath, bodyBytes, headerSigner(headers))
	if err != nil {
		var apiErr *resilience.APIError
		if ok := asAPIError(err, &apiErr); ok {
			return nil, core.NewExchangeError(mapBitgetHTTPError(apiErr))
		}
		return nil, core.NewExchangeError(fmt.Errorf("%w: %v", apperrors.ErrNetwork, err))
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("decoding bitget response: %w", err)
	}
	if envelope.Code != "" && envelope.Code != "00000" {
		return nil, core.NewExchangeError(mapBitgetErrorCode(envelope.Code, envelope.Msg))
	}
	return envelope.Data, nil
}

type headerSigner map[string]string

func (h headerSigner) SignRequest(req *http.Request, body []byte) error {
	for k, v := range h {
		req.Header.Set(k, v)
	}
	return nil
}

func mapBitgetHTTPError(e *resilience.APIError) error {
	if e.StatusCode == 429 {
		return apperrors.ErrRateLimitExceeded
	}
	if e.StatusCode >= 500 {
		return apperrors.ErrNetwork
	}
	return fmt.Errorf("%w: status=%d", apperrors.ErrInvalidOrderParameter, e.StatusCode)
}

func mapBitgetErrorCode(code, msg string) error {
	switch code {
	case "40309", "40037": // insufficient balance variants
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, msg)
	case "40012", "40013": // signature/auth failures
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, msg)
	case "40725": // order not found
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, msg)
	case "429":
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, msg)
	default:
		return fmt.Errorf("%w: bitget %s: %s", apperrors.ErrInvalidOrderParameter, code, msg)
	}
}

func asAPIError(err error, target **resilience.APIError) bool {
	ae, ok := err.(*resilience.APIError)
	if ok {
		*target = ae
	}
	return ok
}

// GetSymbolConfig resolves and caches the precision/minimum metadata
// for one pair.
func (c *Connector) GetSymbolConfig(ctx context.Context, symbol string, instType core.InstType) (core.SymbolConfig, error) {
	c.mu.RLock()
	cfg, ok := c.symbols[symbol]
	c.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	if instType == core.InstTypeFutures {
		return c.fetchMixSymbol(ctx, symbol)
	}
	return c.fetchSpotSymbol(ctx, symbol)
}

func (c *Connector) fetchSpotSymbol(ctx context.Context, symbol string) (core.SymbolConfig, error) {
	data, err := c.doRequest(ctx, "GET", "/api/v2/spot/public/symbols", url.Values{"symbol": {symbol}}, nil)
	if err != nil {
		return core.SymbolConfig{}, err
	}

	var rows []struct {
		Symbol        string `json:"symbol"`
		BaseCoin      string `json:"baseCoin"`
		QuoteCoin     string `json:"quoteCoin"`
		PricePrecision string `json:"pricePrecision"`
		QuantityPrecision string `json:"quantityPrecision"`
		QuotePrecision string `json:"quotePrecision"`
		MinTradeAmount string `json:"minTradeAmount"`
		MinTradeUSDT   string `json:"minTradeUSDT"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return core.SymbolConfig{}, fmt.Errorf("decoding spot symbols: %w", err)
	}
	if len(rows) == 0 {
		return core.SymbolConfig{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	r := rows[0]

	cfg := core.SymbolConfig{
		Symbol:         r.Symbol,
		Pair:           r.Symbol,
		BaseCoin:       r.BaseCoin,
		QuoteCoin:      r.QuoteCoin,
		BasePrecision:  int32(atoiOr(r.QuantityPrecision, 6)),
		QuotePrecision: int32(atoiOr(r.QuotePrecision, 2)),
		PricePrecision: int32(atoiOr(r.PricePrecision, 2)),
		MinBaseAmount:  decimalOr(r.MinTradeAmount, decimal.Zero),
		MinQuoteAmount: decimalOr(r.MinTradeUSDT, decimal.Zero),
		InstType:       core.InstTypeSpot,
	}

	c.mu.Lock()
	c.symbols[symbol] = cfg
	c.mu.Unlock()
	return cfg, nil
}

func (c *Connector) fetchMixSymbol(ctx context.Context, symbol string) (core.SymbolConfig, error) {
	data, err := c.doRequest(ctx, "GET", "/api/v2/mix/market/contracts",
		url.Values{"symbol": {symbol}, "productType": {"USDT-FUTURES"}}, nil)
	if err != nil {
		return core.SymbolConfig{}, err
	}

	var rows []struct {
		Symbol             string `json:"symbol"`
		BaseCoin           string `json:"baseCoin"`
		QuoteCoin          string `json:"quoteCoin"`
		PricePlace         string `json:"pricePlace"`
		VolumePlace        string `json:"volumePlace"`
		MinTradeNum        string `json:"minTradeNum"`
		MinTradeUSDT       string `json:"minTradeUSDT"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return core.SymbolConfig{}, fmt.Errorf("decoding mix contracts: %w", err)
	}
	if len(rows) == 0 {
		return core.SymbolConfig{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	r := rows[0]

	cfg := core.SymbolConfig{
		Symbol:         r.Symbol,
		Pair:           r.Symbol,
		BaseCoin:       r.BaseCoin,
		QuoteCoin:      r.QuoteCoin,
		BasePrecision:  int32(atoiOr(r.VolumePlace, 4)),
		QuotePrecision: int32(atoiOr(r.PricePlace, 2)),
		PricePrecision: int32(atoiOr(r.PricePlace, 2)),
		MinBaseAmount:  decimalOr(r.MinTradeNum, decimal.Zero),
		MinQuoteAmount: decimalOr(r.MinTradeUSDT, decimal.Zero),
		InstType:       core.InstTypeFutures,
	}

	c.mu.Lock()
	c.symbols[symbol] = cfg
	c.mu.Unlock()
	return cfg, nil
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func decimalOr(s string, fallback decimal.Decimal) decimal.Decimal {
	if s == "" {
		return fallback
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return d
}

// PlaceOrder submits a spot or mix order. Bitget orders do not carry
// fill data in the placement response; the actual fill arrives over the
// private orders channel and is correlated by clientOid, so
// ImmediateFill is always nil here.
func (c *Connector) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResponse, error) {
	c.mu.RLock()
	cfg, known := c.symbols[req.Pair]
	c.mu.RUnlock()
	instType := core.InstTypeSpot
	if known {
		instType = cfg.InstType
	}

	side := "buy"
	if req.Side == core.SideSell {
		side = "sell"
	}
	orderType := "market"
	if req.OrderType == core.OrderTypeLimit {
		orderType = "limit"
	}

	var path string
	payload := map[string]interface{}{
		"symbol":    req.Pair,
		"side":      side,
		"orderType": orderType,
		"clientOid": req.ClientOrderID,
	}
	if instType == core.InstTypeFutures {
		path = "/api/v2/mix/order/place-order"
		payload["productType"] = "USDT-FUTURES"
		payload["marginMode"] = req.MarginMode
		payload["marginCoin"] = cfg.QuoteCoin
		payload["tradeSide"] = strings.ToLower(string(req.TradeSide))
		payload["size"] = req.BaseSize.String()
		if req.OrderType == core.OrderTypeLimit {
			payload["price"] = req.Price.String()
		}
	} else {
		path = "/api/v2/spot/trade/place-order"
		if !req.BaseSize.IsZero() {
			payload["size"] = req.BaseSize.String()
		} else {
			payload["size"] = req.QuoteSize.String()
		}
		if req.OrderType == core.OrderTypeLimit {
			payload["price"] = req.Price.String()
		}
	}

	data, err := c.doRequest(ctx, "POST", path, nil, payload)
	if err != nil {
		return core.OrderResponse{}, err
	}

	var resp struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return core.OrderResponse{}, fmt.Errorf("decoding place-order response: %w", err)
	}

	return core.OrderResponse{OrderID: resp.OrderID, Success: true}, nil
}

// GetFills queries the spot fills endpoint by order id. The engine does
// not call it: fills reach the engine only over the private orders
// channel.
func (c *Connector) GetFills(ctx context.Context, symbol, orderID string) ([]core.FillResponse, error) {
	data, err := c.doRequest(ctx, "GET", "/api/v2/spot/trade/fills",
		url.Values{"symbol": {symbol}, "orderId": {orderID}}, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
		PriceAvg  string `json:"priceAvg"`
		Size      string `json:"size"`
		FeeDetail []struct {
			TotalFee string `json:"totalFee"`
		} `json:"feeDetail"`
		CTime string `json:"cTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding fills: %w", err)
	}

	out := make([]core.FillResponse, 0, len(rows))
	for _, r := range rows {
		fee := decimal.Zero
		if len(r.FeeDetail) > 0 {
			fee = decimalOr(r.FeeDetail[0].TotalFee, decimal.Zero).Abs()
		}
		out = append(out, core.FillResponse{
			OrderID:       r.OrderID,
			ClientOrderID: r.ClientOid,
			Price:         decimalOr(r.PriceAvg, decimal.Zero),
			Amount:        decimalOr(r.Size, decimal.Zero),
			Fee:           fee,
			Time:          timeFromMillisString(r.CTime),
		})
	}
	return out, nil
}

func timeFromMillisString(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// CloseAllPositions closes the position on pair. For a futures symbol
// already cached by GetSymbolConfig it calls Bitget's mix
// close-positions endpoint; otherwise it submits a market order on side
// through PlaceOrder.
func (c *Connector) CloseAllPositions(ctx context.Context, pair string, side core.Side) (core.OrderResponse, error) {
	c.mu.RLock()
	cfg, known := c.symbols[pair]
	c.mu.RUnlock()

	if known && cfg.InstType == core.InstTypeFutures {
		payload := map[string]interface{}{
			"symbol":      pair,
			"productType": "USDT-FUTURES",
			"marginCoin":  cfg.QuoteCoin,
		}
		data, err := c.doRequest(ctx, "POST", "/api/v2/mix/order/close-positions", nil, payload)
		if err != nil {
			return core.OrderResponse{}, err
		}
		var resp struct {
			OrderID string `json:"orderId"`
		}
		_ = json.Unmarshal(data, &resp)
		return core.OrderResponse{OrderID: resp.OrderID, Success: true}, nil
	}

	return c.PlaceOrder(ctx, core.OrderRequest{
		Pair: pair, Side: side, TradeSide: core.TradeSideClose,
		OrderType: core.OrderTypeMarket,
		ClientOrderID: fmt.Sprintf("close_all_%d", time.Now().UnixMilli()),
	})
}

// SubscribeTicker subscribes to the public ticker channel for pair. The
// manager ref-counts subscriptions across strategies; the connector only
// ever sees the first subscribe and the last unsubscribe for a given
// pair (spec §5).
func (c *Connector) SubscribeTicker(pair, subscriberID string) {
	c.mu.Lock()
	subs, ok := c.subscribers[pair]
	if !ok {
		subs = make(map[string]struct{})
		c.subscribers[pair] = subs
	}
	first := len(subs) == 0
	subs[subscriberID] = struct{}{}
	c.mu.Unlock()

	if first {
		c.sendPublic("subscribe", pair)
	}
}

// UnsubscribeTicker reverses SubscribeTicker.
func (c *Connector) UnsubscribeTicker(pair, subscriberID string) {
	c.mu.Lock()
	subs := c.subscribers[pair]
	delete(subs, subscriberID)
	last := len(subs) == 0
	if last {
		delete(c.subscribers, pair)
	}
	c.mu.Unlock()

	if last {
		c.sendPublic("unsubscribe", pair)
	}
}

func (c *Connector) sendPublic(op, pair string) {
	instType := "SPOT"
	c.mu.RLock()
	if cfg, ok := c.symbols[pair]; ok && cfg.InstType == core.InstTypeFutures {
		instType = "USDT-FUTURES"
	}
	c.mu.RUnlock()

	msg := map[string]interface{}{
		"op": op,
		"args": []map[string]string{{
			"instType": instType,
			"channel":  "ticker",
			"instId":   pair,
		}},
	}
	if err := c.wsPublic.Send(msg); err != nil {
		c.logger.Warn("failed to send public channel op", "op", op, "pair", pair, "error", err)
	}
}

func (c *Connector) login() {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(timestamp + "GET" + loginRequestPath))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	msg := map[string]interface{}{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     c.cfg.APIKey,
			"passphrase": c.cfg.Passphrase,
			"timestamp":  timestamp,
			"sign":       sign,
		}},
	}
	if err := c.wsPrivate.Send(msg); err != nil {
		c.logger.Error("failed to send private login", "error", err)
	}
}

func (c *Connector) handlePublicMessage(raw []byte) {
	var msg struct {
		Event  string          `json:"event"`
		Arg    json.RawMessage `json:"arg"`
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Event != "" {
		c.status <- core.PublicUp
		return
	}

	var arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	}
	_ = json.Unmarshal(msg.Arg, &arg)
	if arg.Channel != "ticker" {
		return
	}

	var rows []struct {
		LastPr string `json:"lastPr"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(msg.Data, &rows); err != nil || len(rows) == 0 {
		return
	}
	price := decimalOr(rows[0].LastPr, decimal.Zero)
	if price.IsZero() {
		return
	}
	ts, _ := strconv.ParseInt(rows[0].Ts, 10, 64)

	c.ticks <- core.TickerEvent{
		Pair: arg.InstID,
		Ticker: core.Ticker{
			Pair:      arg.InstID,
			LastPrice: price,
			TimeMS:    ts,
		},
	}
}

func (c *Connector) handlePrivateMessage(raw []byte) {
	var msg struct {
		Event  string          `json:"event"`
		Code   int             `json:"code"`
		Arg    json.RawMessage `json:"arg"`
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Event == "login" {
		c.mu.Lock()
		c.loggedIn = msg.Code == 0
		c.mu.Unlock()
		if c.loggedIn {
			c.status <- core.Ready
			c.subscribePrivateOrders()
		} else {
			c.logger.Error("bitget private login rejected", "code", msg.Code)
		}
		return
	}

	var arg struct {
		Channel string `json:"channel"`
	}
	_ = json.Unmarshal(msg.Arg, &arg)
	if arg.Channel != "orders" && arg.Channel != "fill" {
		return
	}

	var rows []struct {
		OrderID     string `json:"orderId"`
		ClientOid   string `json:"clientOid"`
		PriceAvg    string `json:"priceAvg"`
		Size        string `json:"size"`
		BaseVolume  string `json:"baseVolume"`
		Status      string `json:"status"`
		FeeDetail   []struct {
			TotalFee string `json:"totalFee"`
		} `json:"feeDetail"`
		UTime string `json:"uTime"`
	}
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return
	}

	for _, r := range rows {
		fullyFilled := r.Status == "filled" || r.Status == "full-fill"
		amount := decimalOr(r.BaseVolume, decimal.Zero)
		if amount.IsZero() {
			amount = decimalOr(r.Size, decimal.Zero)
		}
		fee := decimal.Zero
		if len(r.FeeDetail) > 0 {
			fee = decimalOr(r.FeeDetail[0].TotalFee, decimal.Zero).Abs()
		}

		c.fills <- core.FillEventEnvelope{
			ClientOrderID: r.ClientOid,
			Fill: core.FillEvent{
				ClientOrderID: r.ClientOid,
				OrderID:       r.OrderID,
				Price:         decimalOr(r.PriceAvg, decimal.Zero),
				Amount:        amount,
				Fee:           fee,
				FullyFilled:   fullyFilled,
				Canceled:      r.Status == "cancelled",
				Time:          timeFromMillisString(r.UTime),
			},
		}
	}
}

func (c *Connector) subscribePrivateOrders() {
	msg := map[string]interface{}{
		"op": "subscribe",
		"args": []map[string]string{
			{"instType": "SPOT", "channel": "orders", "instId": "default"},
			{"instType": "USDT-FUTURES", "channel": "orders", "instId": "default"},
		},
	}
	if err := c.wsPrivate.Send(msg); err != nil {
		c.logger.Error("failed to subscribe to private orders channel", "error", err)
	}
}

func (c *Connector) Ticks() <-chan core.TickerEvent       { return c.ticks }
func (c *Connector) Fills() <-chan core.FillEventEnvelope { return c.fills }
func (c *Connector) Status() <-chan core.ConnectionState  { return c.status }
