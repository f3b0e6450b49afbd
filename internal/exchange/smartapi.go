package exchange

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pquerna/otp/totp"
	"golang.org/x/time/rate"
	"resty.dev/v3"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/config"
	apperrors "github.com/johnayoung/nifty-ohlcv-updater/internal/errors"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/logger"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

const (
	loginEndpoint   = "/rest/auth/angelbroking/user/v1/loginByPassword"
	candlesEndpoint = "/rest/secure/angelbroking/historical/v1/getCandleData"
	logoutEndpoint  = "/rest/secure/angelbroking/user/v1/logout"

	// requestTimeLayout is the minute-precision format the candle endpoint accepts.
	requestTimeLayout = "2006-01-02 15:04"

	rateLimitBurst = 1

	// maxErrorBody bounds how much of an error body is kept on APIError.
	maxErrorBody = 512
)

// SmartAPIClient implements Broker against the Angel One SmartAPI REST endpoints.
type SmartAPIClient struct {
	client      *resty.Client
	rateLimiter *rate.Limiter
	cfg         config.BrokerConfig
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	jwtToken string
}

// envelope is the JSON wrapper around every SmartAPI response.
type envelope struct {
	Status    bool                   `json:"status"`
	Message   string                 `json:"message"`
	ErrorCode string                 `json:"errorcode"`
	Data      sonic.NoCopyRawMessage `json:"data"`
}

type loginRequest struct {
	ClientCode string `json:"clientcode"`
	Password   string `json:"password"`
	TOTP       string `json:"totp"`
}

type sessionTokens struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

type candleRequest struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symboltoken"`
	Interval    string `json:"interval"`
	FromDate    string `json:"fromdate"`
	ToDate      string `json:"todate"`
}

type logoutRequest struct {
	ClientCode string `json:"clientcode"`
}

// NewSmartAPIClient creates a SmartAPI client from broker configuration.
func NewSmartAPIClient(cfg config.BrokerConfig, log *slog.Logger) *SmartAPIClient {
	if log == nil {
		log = slog.Default()
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}

	client := resty.New().
		SetLogger(logger.NewRestyLogger(log)).
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeaders(map[string]string{
			"Content-Type":     "application/json",
			"Accept":           "application/json",
			"X-UserType":       "USER",
			"X-SourceID":       "WEB",
			"X-ClientLocalIP":  cfg.ClientLocalIP,
			"X-ClientPublicIP": cfg.ClientPublicIP,
			"X-MACAddress":     cfg.MACAddress,
			"X-PrivateKey":     cfg.APIKey,
		})

	return &SmartAPIClient{
		client:      client,
		rateLimiter: rate.NewLimiter(rate.Limit(rps), rateLimitBurst),
		cfg:         cfg,
		logger:      log,
		now:         time.Now,
	}
}

// Login authenticates with client code, PIN and a TOTP derived from the
// configured secret.
func (c *SmartAPIClient) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.now())
	if err != nil {
		return apperrors.Classify(fmt.Errorf("failed to generate TOTP: %w", err), "smartapi", "login")
	}

	c.logger.Info("authenticating with SmartAPI", "client_id", c.cfg.ClientID)

	env, err := c.post(ctx, loginEndpoint, loginRequest{
		ClientCode: c.cfg.ClientID,
		Password:   c.cfg.Password,
		TOTP:       code,
	}, "")
	if err != nil {
		return apperrors.Classify(fmt.Errorf("login failed: %w", err), "smartapi", "login")
	}

	var tokens sessionTokens
	if len(env.Data) == 0 || sonic.Unmarshal(env.Data, &tokens) != nil || tokens.JWTToken == "" {
		return apperrors.Classify(fmt.Errorf("login failed: %w: no session token in response", apperrors.ErrMalformedResponse), "smartapi", "login")
	}

	c.mu.Lock()
	c.jwtToken = strings.TrimPrefix(tokens.JWTToken, "Bearer ")
	c.mu.Unlock()

	c.logger.Info("SmartAPI authentication successful", "client_id", c.cfg.ClientID)
	return nil
}

// Logout terminates the session. The local token is cleared even when the
// broker rejects the call.
func (c *SmartAPIClient) Logout(ctx context.Context) error {
	token := c.token()
	if token == "" {
		c.logger.Debug("no SmartAPI session to terminate")
		return nil
	}

	c.mu.Lock()
	c.jwtToken = ""
	c.mu.Unlock()

	if _, err := c.post(ctx, logoutEndpoint, logoutRequest{ClientCode: c.cfg.ClientID}, token); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	c.logger.Info("SmartAPI logout successful", "client_id", c.cfg.ClientID)
	return nil
}

// LoggedIn reports whether a session token is held.
func (c *SmartAPIClient) LoggedIn() bool {
	return c.token() != ""
}

// FetchCandles implements the CandleSource interface.
func (c *SmartAPIClient) FetchCandles(ctx context.Context, req FetchRequest) ([]models.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	token := c.token()
	if token == "" {
		return nil, &apperrors.APIError{HTTPStatus: http.StatusUnauthorized, Message: "no active session"}
	}

	if err := c.WaitForLimit(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	c.logger.Debug("fetching candles",
		"symbol", req.Symbol,
		"token", req.Token,
		"interval", req.Interval,
		"from", req.Start.Format(requestTimeLayout),
		"to", req.End.Format(requestTimeLayout))

	env, err := c.post(ctx, candlesEndpoint, candleRequest{
		Exchange:    c.exchange(),
		SymbolToken: req.Token,
		Interval:    req.Interval.String(),
		FromDate:    req.Start.Format(requestTimeLayout),
		ToDate:      req.End.Format(requestTimeLayout),
	}, token)
	if err != nil {
		return nil, err
	}

	if isNull(env.Data) {
		return []models.Candle{}, nil
	}

	var rows [][]any
	if err := sonic.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("%w: candle data: %v", apperrors.ErrMalformedResponse, err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := convertCandleRow(row, req.Symbol, req.Interval.String())
		if err != nil {
			c.logger.Warn("skipping unparseable candle row",
				"symbol", req.Symbol,
				"row", i,
				"error", err)
			continue
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// WaitForLimit blocks until the request gate admits another call.
func (c *SmartAPIClient) WaitForLimit(ctx context.Context) error {
	return c.rateLimiter.Wait(ctx)
}

// Close releases idle connections.
func (c *SmartAPIClient) Close() error {
	return c.client.Close()
}

func (c *SmartAPIClient) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtToken
}

func (c *SmartAPIClient) exchange() string {
	if c.cfg.Exchange == "" {
		return "NSE"
	}
	return c.cfg.Exchange
}

// post sends payload and decodes the response envelope. Non-2xx responses,
// plain-text rate-limit bodies and envelopes with status false become
// *apperrors.APIError values.
func (c *SmartAPIClient) post(ctx context.Context, path string, payload any, token string) (*envelope, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	r := c.client.R().
		SetContext(ctx).
		SetBody(body)
	if token != "" {
		r.SetAuthToken(token)
	}

	resp, err := r.Post(path)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", path, err)
	}

	raw := resp.Bytes()

	if strings.Contains(strings.ToLower(string(raw)), "exceeding access rate") {
		return nil, &apperrors.APIError{HTTPStatus: resp.StatusCode(), Message: "access rate exceeded", Body: truncate(raw)}
	}

	if resp.IsError() {
		apiErr := &apperrors.APIError{HTTPStatus: resp.StatusCode(), Message: resp.Status(), Body: truncate(raw)}
		var env envelope
		if sonic.Unmarshal(raw, &env) == nil && env.Message != "" {
			apiErr.Code = env.ErrorCode
			apiErr.Message = env.Message
		}
		return nil, apiErr
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty response body", apperrors.ErrMalformedResponse)
	}

	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}

	if !env.Status || (env.ErrorCode != "" && !strings.EqualFold(env.Message, "SUCCESS")) {
		return nil, &apperrors.APIError{Code: env.ErrorCode, Message: env.Message}
	}

	return &env, nil
}

// convertCandleRow converts a [timestamp, open, high, low, close, volume] row.
// Timestamps carry the exchange offset; the wall clock is kept.
func convertCandleRow(row []any, symbol, interval string) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("expected 6 fields, got %d", len(row))
	}

	ts, ok := row[0].(string)
	if !ok {
		return models.Candle{}, fmt.Errorf("timestamp is %T, not a string", row[0])
	}
	t, err := parseCandleTime(ts)
	if err != nil {
		return models.Candle{}, err
	}

	values := make([]string, 5)
	for i := range values {
		values[i] = convertValue(row[i+1])
	}

	return models.Candle{
		Timestamp: t,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Symbol:    symbol,
		Interval:  interval,
	}, nil
}

func parseCandleTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", models.DateTimeLayout} {
		if t, err := models.ParseNaive(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// convertValue renders a JSON number or numeric string canonically. Nulls
// become missing values.
func convertValue(v any) string {
	switch x := v.(type) {
	case float64:
		return models.FormatFloat(x)
	case string:
		return models.CanonicalDecimal(x)
	case nil:
		return ""
	default:
		return models.CanonicalDecimal(fmt.Sprint(x))
	}
}

func isNull(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody])
	}
	return string(b)
}
