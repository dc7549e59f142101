package broker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL = "https://api.kite.trade"
	// DefaultHolidayURL is the exchange holiday master.
	DefaultHolidayURL = "https://www.nseindia.com/api/holiday-master?type=trading"

	apiVersion       = "3"
	holidayLayout    = "02-Jan-2006"
	maxErrorBodySize = 64 << 10
	defaultTimeout   = 10 * time.Second
)

// APIError represents an API error with status code and the exchange's
// error classification.
type APIError struct {
	Status    int
	ErrorType string
	Message   string
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// envelope is the standard response wrapper.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// KiteClient is the REST implementation of Gateway.
type KiteClient struct {
	client      *http.Client
	apiKey      string
	accessToken string
	baseURL     string
	holidayURL  string
	logger      logrus.FieldLogger
	instruments *InstrumentCache
}

// NewKiteClient creates a client for baseURL (DefaultBaseURL when empty).
func NewKiteClient(apiKey, accessToken, baseURL string) *KiteClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &KiteClient{
		client:      &http.Client{Timeout: defaultTimeout},
		apiKey:      apiKey,
		accessToken: accessToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
		holidayURL:  DefaultHolidayURL,
		logger:      logrus.StandardLogger(),
	}
	c.instruments = NewInstrumentCache(c, DefaultInstrumentTTL)
	return c
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (k *KiteClient) WithHTTPClient(c *http.Client) *KiteClient {
	if c != nil {
		k.client = c
	}
	return k
}

// WithTimeout sets the HTTP client timeout duration.
func (k *KiteClient) WithTimeout(timeout time.Duration) *KiteClient {
	if timeout > 0 && k.client != nil {
		k.client.Timeout = timeout
	}
	return k
}

// WithHolidayURL overrides the holiday master endpoint.
func (k *KiteClient) WithHolidayURL(u string) *KiteClient {
	if u != "" {
		k.holidayURL = u
	}
	return k
}

// WithLogger sets the logger used for non-fatal client diagnostics.
func (k *KiteClient) WithLogger(l logrus.FieldLogger) *KiteClient {
	if l != nil {
		k.logger = l
	}
	return k
}

// WithInstrumentTTL sets how long the instrument master used for position
// enrichment stays cached.
func (k *KiteClient) WithInstrumentTTL(ttl time.Duration) *KiteClient {
	k.instruments = NewInstrumentCache(k, ttl)
	return k
}

// ============ Portfolio ============

// NetPositions returns the net position book, enriched with expiry and
// strike from the instrument master.
func (k *KiteClient) NetPositions(ctx context.Context) ([]Position, error) {
	var resp struct {
		Net []Position `json:"net"`
	}
	if err := k.makeRequestCtx(ctx, http.MethodGet, "/portfolio/positions", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	for i := range resp.Net {
		k.enrichPosition(ctx, &resp.Net[i])
	}
	return resp.Net, nil
}

func (k *KiteClient) enrichPosition(ctx context.Context, p *Position) {
	inst, err := k.instruments.Lookup(ctx, p.Exchange, p.Symbol)
	if err == nil {
		p.Expiry = models.Day(inst.Expiry)
		p.Strike = int(inst.Strike)
		p.InstrumentType = inst.InstrumentType
		return
	}
	// Fall back to the symbol itself for monthly-style symbols.
	parsed, perr := models.ParseSymbol(p.Symbol)
	if perr != nil {
		if !errors.Is(err, ErrInstrumentNotFound) {
			k.logger.WithError(err).WithField("symbol", p.Symbol).Warn("Instrument lookup failed")
		}
		return
	}
	p.Expiry = parsed.Expiry
	p.Strike = parsed.Strike
	p.InstrumentType = parsed.Type.Marker()
}

// Margins returns the equity segment margins.
func (k *KiteClient) Margins(ctx context.Context) (*Margins, error) {
	var m Margins
	if err := k.makeRequestCtx(ctx, http.MethodGet, "/user/margins/equity", nil, &m); err != nil {
		return nil, fmt.Errorf("failed to get margins: %w", err)
	}
	return &m, nil
}

// ============ Orders ============

// Orders returns the day's order book.
func (k *KiteClient) Orders(ctx context.Context) ([]Order, error) {
	var orders []Order
	if err := k.makeRequestCtx(ctx, http.MethodGet, "/orders", nil, &orders); err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	return orders, nil
}

// OrderHistory returns every state transition of an order, oldest first.
func (k *KiteClient) OrderHistory(ctx context.Context, orderID string) ([]Order, error) {
	var history []Order
	endpoint := "/orders/" + url.PathEscape(orderID)
	if err := k.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &history); err != nil {
		return nil, fmt.Errorf("failed to get order history for %s: %w", orderID, err)
	}
	return history, nil
}

// PlaceOrder submits an order and returns the exchange order id.
func (k *KiteClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	variety := req.Variety
	if variety == "" {
		variety = VarietyRegular
	}
	params := url.Values{}
	params.Set("exchange", req.Exchange)
	params.Set("tradingsymbol", req.Symbol)
	params.Set("transaction_type", req.TransactionType)
	params.Set("quantity", strconv.Itoa(req.Quantity))
	params.Set("product", req.Product)
	params.Set("order_type", req.OrderType)
	params.Set("price", strconv.FormatFloat(req.Price, 'f', 2, 64))
	if req.TriggerPrice > 0 {
		params.Set("trigger_price", strconv.FormatFloat(req.TriggerPrice, 'f', 2, 64))
	}
	validity := req.Validity
	if validity == "" {
		validity = ValidityDay
	}
	params.Set("validity", validity)
	if req.Tag != "" {
		params.Set("tag", req.Tag)
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := k.makeRequestCtx(ctx, http.MethodPost, "/orders/"+url.PathEscape(variety), params, &resp); err != nil {
		return "", fmt.Errorf("failed to place order for %s: %w", req.Symbol, err)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("order for %s accepted without an order id", req.Symbol)
	}
	return resp.OrderID, nil
}

// CancelOrder cancels a working order.
func (k *KiteClient) CancelOrder(ctx context.Context, variety, orderID string) error {
	if variety == "" {
		variety = VarietyRegular
	}
	endpoint := "/orders/" + url.PathEscape(variety) + "/" + url.PathEscape(orderID)
	if err := k.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// ============ Market data ============

// Quote returns the full quote for an EXCHANGE:SYMBOL key.
func (k *KiteClient) Quote(ctx context.Context, key string) (*Quote, error) {
	params := url.Values{}
	params.Set("i", key)
	var resp map[string]Quote
	if err := k.makeRequestCtx(ctx, http.MethodGet, "/quote", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", key, err)
	}
	q, ok := resp[key]
	if !ok {
		return nil, fmt.Errorf("no quote returned for %s", key)
	}
	return &q, nil
}

// Instruments downloads the instrument master for one exchange.
func (k *KiteClient) Instruments(ctx context.Context, exchange string) ([]Instrument, error) {
	body, err := k.doRequest(ctx, http.MethodGet, k.baseURL+"/instruments/"+url.PathEscape(exchange), nil, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get instruments for %s: %w", exchange, err)
	}
	defer k.closeBody(body)
	instruments, err := parseInstrumentsCSV(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse instruments for %s: %w", exchange, err)
	}
	return instruments, nil
}

// Holidays returns trading holidays for a derivatives segment (e.g. "FO").
func (k *KiteClient) Holidays(ctx context.Context, segment string) ([]time.Time, error) {
	body, err := k.doRequest(ctx, http.MethodGet, k.holidayURL, nil, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get holidays: %w", err)
	}
	defer k.closeBody(body)

	var master map[string][]struct {
		TradingDate string `json:"tradingDate"`
	}
	if err := json.NewDecoder(body).Decode(&master); err != nil {
		return nil, fmt.Errorf("failed to decode holidays: %w", err)
	}
	entries, ok := master[segment]
	if !ok {
		return nil, fmt.Errorf("holiday master has no segment %q", segment)
	}
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		d, err := time.Parse(holidayLayout, e.TradingDate)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", e.TradingDate, err)
		}
		out = append(out, models.Day(d))
	}
	return out, nil
}

// ============ Transport ============

func (k *KiteClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	body, err := k.doRequest(ctx, method, k.baseURL+endpoint, params, true)
	if err != nil {
		return err
	}
	defer k.closeBody(body)

	var env envelope
	if err := json.NewDecoder(body).Decode(&env); err != nil && err != io.EOF {
		return fmt.Errorf("%s %s: decode response: %w", method, endpoint, err)
	}
	if env.Status != "" && env.Status != "success" {
		return &APIError{Status: http.StatusOK, ErrorType: env.ErrorType, Message: env.Message}
	}
	if response == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, response); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, endpoint, err)
	}
	return nil
}

// doRequest performs the request and returns the body of a successful
// response. The caller closes it.
func (k *KiteClient) doRequest(ctx context.Context, method, endpoint string,
	params url.Values, authenticated bool) (io.ReadCloser, error) {
	var req *http.Request
	var err error

	switch {
	case method == http.MethodPost && params != nil:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	case params != nil:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+params.Encode(), http.NoBody)
		if err != nil {
			return nil, err
		}
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return nil, err
		}
	}

	if authenticated {
		req.Header.Add("Authorization", "token "+k.apiKey+":"+k.accessToken)
		req.Header.Add("X-Kite-Version", apiVersion)
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "ironfly/1.0")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer k.closeBody(resp.Body)
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if err != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			return nil, &APIError{Status: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
		}
		return nil, &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("%s %s -> %s", method, endpoint, string(raw))}
	}
	return resp.Body, nil
}

func (k *KiteClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		k.logger.WithError(err).Debug("Failed to close response body")
	}
}

// parseInstrumentsCSV decodes the instrument master dump. Columns are
// located by header name.
func parseInstrumentsCSV(r io.Reader) ([]Instrument, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"tradingsymbol", "lot_size", "instrument_type", "expiry"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}

	var out []Instrument
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		inst := Instrument{
			Symbol:         get(rec, "tradingsymbol"),
			Name:           strings.Trim(get(rec, "name"), `"`),
			InstrumentType: get(rec, "instrument_type"),
			Segment:        get(rec, "segment"),
			Exchange:       get(rec, "exchange"),
		}
		inst.InstrumentToken, _ = strconv.ParseInt(get(rec, "instrument_token"), 10, 64)
		inst.ExchangeToken, _ = strconv.ParseInt(get(rec, "exchange_token"), 10, 64)
		inst.LastPrice, _ = strconv.ParseFloat(get(rec, "last_price"), 64)
		inst.Strike, _ = strconv.ParseFloat(get(rec, "strike"), 64)
		inst.TickSize, _ = strconv.ParseFloat(get(rec, "tick_size"), 64)
		if inst.LotSize, err = strconv.Atoi(get(rec, "lot_size")); err != nil {
			return nil, fmt.Errorf("invalid lot_size for %s: %w", inst.Symbol, err)
		}
		if exp := get(rec, "expiry"); exp != "" {
			d, err := time.Parse("2006-01-02", exp)
			if err != nil {
				return nil, fmt.Errorf("invalid expiry for %s: %w", inst.Symbol, err)
			}
			inst.Expiry = d
		}
		out = append(out, inst)
	}
	return out, nil
}
