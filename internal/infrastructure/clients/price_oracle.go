package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/pkg/config"
	"github.com/tuncanbit/cpg/pkg/currency"
)

const (
	priceKeyPrefix = "price:"
	maxBackoff     = 30 * time.Second
)

var coinIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"LTC":   "litecoin",
	"USDT":  "tether",
	"USDC":  "usd-coin",
	"DAI":   "dai",
	"BUSD":  "binance-usd",
	"BNB":   "binancecoin",
	"MATIC": "matic-network",
	"WBTC":  "wrapped-bitcoin",
	"XMR":   "monero",
	"CAKE":  "pancakeswap-token",
	"SUSHI": "sushi",
	"SOL":   "solana",
	"DOGE":  "dogecoin",
	"TRX":   "tron",
}

// PriceOracle converts fiat amounts to crypto using CoinGecko spot prices.
// Rates are cached in the shared store and outbound calls are rate limited.
type PriceOracle struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	store      cache.Store
	cacheTTL   time.Duration
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	currency   *currency.CurrencyUtils
	logger     zerolog.Logger
	now        func() time.Time
}

// NewPriceOracle builds the oracle. store may be nil, in which case every
// lookup goes to the API.
func NewPriceOracle(cfg config.PriceOracleConfig, store cache.Store, logger zerolog.Logger) *PriceOracle {
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	return &PriceOracle{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		store:      store,
		cacheTTL:   cfg.CacheTTL,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoffBase,
		currency:   currency.NewCurrencyUtils(),
		logger:     logger.With().Str("component", "price_oracle").Logger(),
		now:        time.Now,
	}
}

// ConvertFiatToCrypto prices amount of fiat in crypto, rounded to 8 decimals.
func (o *PriceOracle) ConvertFiatToCrypto(ctx context.Context, amount decimal.Decimal, fiat, crypto string) (domain.Conversion, error) {
	quote, err := o.GetExchangeRate(ctx, crypto, fiat)
	if err != nil {
		return domain.Conversion{}, err
	}

	cryptoAmount, err := o.currency.FiatToCrypto(amount, quote.Rate)
	if err != nil {
		return domain.Conversion{}, fmt.Errorf("failed to convert %s %s to %s: %w", amount, fiat, crypto, err)
	}

	return domain.Conversion{
		FiatAmount:     amount,
		FiatCurrency:   strings.ToUpper(fiat),
		CryptoAmount:   cryptoAmount,
		CryptoCurrency: strings.ToUpper(crypto),
		Rate:           quote.Rate,
	}, nil
}

// GetExchangeRate returns the fiat price of one unit of crypto.
func (o *PriceOracle) GetExchangeRate(ctx context.Context, crypto, fiat string) (domain.ExchangeRate, error) {
	coin := CoinID(crypto)
	vs := strings.ToLower(fiat)
	key := priceKeyPrefix + coin + ":" + vs

	if price, ok := o.cached(ctx, key); ok {
		return domain.ExchangeRate{
			CryptoCurrency: strings.ToUpper(crypto),
			FiatCurrency:   strings.ToUpper(fiat),
			Rate:           price,
			FetchedAt:      o.now(),
		}, nil
	}

	price, err := o.fetchPrice(ctx, coin, vs)
	if err != nil {
		return domain.ExchangeRate{}, err
	}

	if o.store != nil {
		if err := o.store.Set(ctx, key, []byte(price.String()), o.cacheTTL); err != nil {
			o.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache exchange rate")
		}
	}

	return domain.ExchangeRate{
		CryptoCurrency: strings.ToUpper(crypto),
		FiatCurrency:   strings.ToUpper(fiat),
		Rate:           price,
		FetchedAt:      o.now(),
	}, nil
}

func (o *PriceOracle) cached(ctx context.Context, key string) (decimal.Decimal, bool) {
	if o.store == nil {
		return decimal.Zero, false
	}
	raw, err := o.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			o.logger.Warn().Err(err).Str("key", key).Msg("Exchange rate cache unavailable")
		}
		return decimal.Zero, false
	}
	price, err := decimal.NewFromString(string(raw))
	if err != nil || !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

func (o *PriceOracle) fetchPrice(ctx context.Context, coin, vs string) (decimal.Decimal, error) {
	u, err := url.Parse(o.baseURL + "/simple/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid base URL: %w", err)
	}
	q := u.Query()
	q.Set("ids", coin)
	q.Set("vs_currencies", vs)
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffFor(attempt, o.backoff)
			o.logger.Info().Err(lastErr).Int("attempt", attempt+1).Dur("backoff", wait).Msg("Price request failed, retrying after backoff")
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := o.limiter.Wait(ctx); err != nil {
			return decimal.Zero, fmt.Errorf("price oracle rate limiter: %w", err)
		}

		price, retry, err := o.requestPrice(ctx, u.String(), coin, vs)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if !retry {
			return decimal.Zero, domain.NewExternalServiceError("price oracle", false, err)
		}
	}

	return decimal.Zero, domain.NewExternalServiceError("price oracle", true,
		fmt.Errorf("request failed after %d retries: %w", o.maxRetries, lastErr))
}

func (o *PriceOracle) requestPrice(ctx context.Context, endpoint, coin, vs string) (decimal.Decimal, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("creating request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, shouldRetry(ctx), fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, true, fmt.Errorf("reading response body failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, shouldRetryStatusCode(resp.StatusCode), fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var prices domain.CoinGeckoSimplePrice
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Zero, false, fmt.Errorf("parsing JSON response failed: %w", err)
	}

	value, ok := prices[coin][vs]
	if !ok || value <= 0 {
		return decimal.Zero, false, fmt.Errorf("no %s price for %s", vs, coin)
	}
	return decimal.NewFromFloat(value), false, nil
}

// CoinID maps a ticker symbol to its CoinGecko id. Unknown symbols are
// passed through lower-cased.
func CoinID(symbol string) string {
	if id, ok := coinIDs[strings.ToUpper(symbol)]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

// shouldRetry treats transport failures as transient unless the caller gave up.
func shouldRetry(ctx context.Context) bool {
	return ctx.Err() == nil
}

func shouldRetryStatusCode(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// backoffFor doubles base for each retry after the first, capped at maxBackoff.
func backoffFor(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	wait := base << (attempt - 1)
	if wait <= 0 || wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}
