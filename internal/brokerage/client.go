package brokerage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds tastytrade API credentials.
type Config struct {
	BaseURL      string `json:"base_url"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// TastytradeClient talks to the tastytrade REST API using the OAuth2
// refresh-token flow. Access tokens are valid for 15 minutes; the
// client refreshes one minute early.
type TastytradeClient struct {
	http   *resty.Client
	cfg    Config
	logger zerolog.Logger

	mu             sync.Mutex
	accessToken    string
	tokenExpiresAt time.Time
}

// NewTastytradeClient creates an API client. No network calls are made
// until the first request.
func NewTastytradeClient(cfg Config, logger zerolog.Logger) *TastytradeClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tastytrade.com"
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &TastytradeClient{
		http:   http,
		cfg:    cfg,
		logger: logger.With().Str("component", "tastytrade").Logger(),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *TastytradeClient) ensureAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiresAt) {
		return nil
	}

	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": c.cfg.RefreshToken,
			"client_secret": c.cfg.ClientSecret,
		}).
		SetResult(&tok).
		Post("/oauth/token")
	if err != nil {
		return fmt.Errorf("%w: authentication failed: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: authentication failed: %s", ErrUnavailable, resp.Status())
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiresAt = time.Now().Add(14 * time.Minute)
	c.logger.Debug().Msg("Access token refreshed")
	return nil
}

func (c *TastytradeClient) get(ctx context.Context, path string, query map[string]string, result any) error {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(result)
	if query != nil {
		req.SetQueryParams(query)
	}

	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrUnavailable, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: GET %s: %s", ErrUnavailable, path, resp.Status())
	}
	return nil
}

// GetAccounts returns the customer's account numbers.
func (c *TastytradeClient) GetAccounts(ctx context.Context) ([]string, error) {
	var out struct {
		Data struct {
			Items []struct {
				Account struct {
					AccountNumber string `json:"account-number"`
				} `json:"account"`
			} `json:"items"`
		} `json:"data"`
	}

	if err := c.get(ctx, "/customers/me/accounts", nil, &out); err != nil {
		return nil, err
	}

	accounts := make([]string, 0, len(out.Data.Items))
	for _, item := range out.Data.Items {
		accounts = append(accounts, item.Account.AccountNumber)
	}
	return accounts, nil
}

// GetPositions returns current positions for an account.
func (c *TastytradeClient) GetPositions(ctx context.Context, account string) ([]Position, error) {
	var out struct {
		Data struct {
			Items []Position `json:"items"`
		} `json:"data"`
	}

	path := fmt.Sprintf("/accounts/%s/positions", account)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data.Items, nil
}

// GetMarketMetrics returns IV metrics for a set of underlyings.
func (c *TastytradeClient) GetMarketMetrics(ctx context.Context, symbols []string) ([]MarketMetric, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	var out struct {
		Data struct {
			Items []MarketMetric `json:"items"`
		} `json:"data"`
	}

	query := map[string]string{"symbols": strings.Join(symbols, ",")}
	if err := c.get(ctx, "/market-metrics", query, &out); err != nil {
		return nil, err
	}
	return out.Data.Items, nil
}

// GetMark returns the current mark for an instrument symbol.
func (c *TastytradeClient) GetMark(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out struct {
		Data struct {
			Mark decimal.Decimal `json:"mark"`
		} `json:"data"`
	}

	path := fmt.Sprintf("/market-data/%s", symbol)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Data.Mark, nil
}
