package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/logger"
)

const DefaultPath = "./config.yaml"

//go:embed default_routes.yaml
var defaultRoutesYAML []byte

type Config struct {
	Server      ServerConfig                        `yaml:"server"`
	Log         logger.Config                       `yaml:"log"`
	Database    DatabaseConfig                      `yaml:"database"`
	Redis       RedisConfig                         `yaml:"redis"`
	Security    SecurityConfig                      `yaml:"security"`
	JWT         JWTConfig                           `yaml:"jwt"`
	WebSocket   WebSocketConfig                     `yaml:"websocket"`
	PriceOracle PriceOracleConfig                   `yaml:"price_oracle"`
	Providers   map[domain.RouteType]ProviderConfig `yaml:"providers"`
	Routing     RoutingConfig                       `yaml:"routing"`
	Processor   ProcessorConfig                     `yaml:"processor"`
	Merchants   []domain.Merchant                   `yaml:"merchants"`
	Routes      []RouteConfig                       `yaml:"routes"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         string        `yaml:"port"`
	Environment  string        `yaml:"environment"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            string `yaml:"port"`
	User            string `yaml:"user"`
	DBName          string `yaml:"name"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"ssl_mode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type SecurityConfig struct {
	APIKey      string `yaml:"api_key"`
	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	CheckOrigin     bool          `yaml:"check_origin"`
	PingPeriod      time.Duration `yaml:"ping_period"`
}

type PriceOracleConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           int           `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoffBase  time.Duration `yaml:"retry_backoff_base"`
	APIKey            string        `yaml:"api_key"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

// ProviderConfig configures the outbound client of one route type.
type ProviderConfig struct {
	BaseURL               string        `yaml:"base_url"`
	APIKey                string        `yaml:"api_key"`
	APISecret             string        `yaml:"api_secret"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	RequiredConfirmations int           `yaml:"required_confirmations"`
	InstructionTTL        time.Duration `yaml:"instruction_ttl"`
}

type RoutingConfig struct {
	FallbackCountry       string         `yaml:"fallback_country"`
	DomesticCurrency      string         `yaml:"domestic_currency"`
	DomesticCountry       string         `yaml:"domestic_country"`
	DomesticInstantMethod string         `yaml:"domestic_instant_method"`
	DomesticProviderHints []string       `yaml:"domestic_provider_hints"`
	MetricsTTL            time.Duration  `yaml:"metrics_ttl"`
	MemoTTL               time.Duration  `yaml:"memo_ttl"`
	SuccessRateWindow     int            `yaml:"success_rate_window"`
	Suspension            SuspensionRule `yaml:"suspension"`
	FailoverSuspension    SuspensionRule `yaml:"failover_suspension"`
}

// SuspensionRule suspends a route for Cooldown once its success rate is below
// Threshold with at least MinVolume recorded attempts.
type SuspensionRule struct {
	Threshold float64       `yaml:"threshold"`
	MinVolume int64         `yaml:"min_volume"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type ProcessorConfig struct {
	DefaultCryptoCurrency string           `yaml:"default_crypto_currency"`
	RateLimits            RateLimitConfig  `yaml:"rate_limits"`
	Monitoring            MonitoringConfig `yaml:"monitoring"`
	Fraud                 FraudConfig      `yaml:"fraud"`
	Settlement            SettlementConfig `yaml:"settlement"`
	Webhook               WebhookConfig    `yaml:"webhook"`
}

type RateLimitConfig struct {
	MaxConcurrentPayments     int   `yaml:"max_concurrent_payments"`
	MaxPaymentsPerMinute      int64 `yaml:"max_payments_per_minute"`
	MaxPaymentsPerHour        int64 `yaml:"max_payments_per_hour"`
	MaxPaymentsPerIPPerMinute int64 `yaml:"max_payments_per_ip_per_minute"`
}

type MonitoringConfig struct {
	StatusCheckInterval time.Duration `yaml:"status_check_interval"`
	PaymentTimeout      time.Duration `yaml:"payment_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	CheckTimeout        time.Duration `yaml:"check_timeout"`
	MaxConcurrentChecks int           `yaml:"max_concurrent_checks"`
	CallRetries         int           `yaml:"call_retries"`
	CallRetryDelay      time.Duration `yaml:"call_retry_delay"`
	RetainTerminal      time.Duration `yaml:"retain_terminal"`
}

type FraudConfig struct {
	Disabled               bool          `yaml:"disabled"`
	MaxAmountPerCustomer   float64       `yaml:"max_amount_per_customer"`
	MaxPaymentsPerCustomer int64         `yaml:"max_payments_per_customer"`
	SuspiciousPatterns     []string      `yaml:"suspicious_patterns"`
	Window                 time.Duration `yaml:"window"`
}

type SettlementConfig struct {
	AutoSettlementEnabled *bool   `yaml:"auto_settlement_enabled"`
	MinSettlementAmount   float64 `yaml:"min_settlement_amount"`
	PlatformFeePercentage float64 `yaml:"platform_fee_percentage"`
	SettlementFrequency   string  `yaml:"settlement_frequency"`
	RequiredConfirmations int     `yaml:"required_confirmations"`
}

// AutoSettlement defaults to enabled when the key is absent.
func (s SettlementConfig) AutoSettlement() bool {
	return s.AutoSettlementEnabled == nil || *s.AutoSettlementEnabled
}

type WebhookConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	Secret     string        `yaml:"secret"`
}

// RouteConfig is one catalog entry. The route id is derived from type and provider.
type RouteConfig struct {
	Type         domain.RouteType         `yaml:"type"`
	Provider     string                   `yaml:"provider"`
	Enabled      bool                     `yaml:"enabled"`
	Priority     int                      `yaml:"priority"`
	Limits       domain.RouteLimits       `yaml:"limits"`
	Fees         domain.RouteFees         `yaml:"fees"`
	Capabilities domain.RouteCapabilities `yaml:"capabilities"`
}

func (r RouteConfig) ID() string {
	return domain.RouteID(r.Type, r.Provider)
}

// Load reads .env (optional) and the YAML file at path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}
	configData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return Parse(configData)
}

func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyEnv()
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// DefaultRoutes returns the built-in route catalog.
func DefaultRoutes() ([]RouteConfig, error) {
	var catalog struct {
		Routes []RouteConfig `yaml:"routes"`
	}
	if err := yaml.Unmarshal(defaultRoutesYAML, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse default route catalog: %w", err)
	}
	return catalog.Routes, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CPG_JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("CPG_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CPG_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CPG_DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("CPG_API_KEY"); v != "" {
		c.Security.APIKey = v
	}
	if v := os.Getenv("CPG_WEBHOOK_SECRET"); v != "" {
		c.Processor.Webhook.Secret = v
	}
	if v := os.Getenv("CPG_PRICE_ORACLE_API_KEY"); v != "" {
		c.PriceOracle.APIKey = v
	}
}

func (c *Config) applyDefaults() error {
	setString(&c.Server.Host, "0.0.0.0")
	setString(&c.Server.Port, "8080")
	setString(&c.Server.Environment, "development")
	setDuration(&c.Server.ReadTimeout, 20*time.Second)
	setDuration(&c.Server.WriteTimeout, 20*time.Second)

	setString(&c.Log.Level, "info")
	setString(&c.Log.TimeFormat, time.RFC3339)

	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 25)
	setInt(&c.Database.MaxIdleConns, 5)
	setString(&c.Database.ConnMaxLifetime, "5m")

	setString(&c.Redis.Addr, "localhost:6379")
	setInt(&c.Redis.PoolSize, 50)
	setInt(&c.Redis.MinIdleConns, 5)
	setDuration(&c.Redis.DialTimeout, 5*time.Second)
	setDuration(&c.Redis.ReadTimeout, 3*time.Second)
	setDuration(&c.Redis.WriteTimeout, 3*time.Second)

	setDuration(&c.JWT.Expiry, 24*time.Hour)

	setInt(&c.WebSocket.ReadBufferSize, 1024)
	setInt(&c.WebSocket.WriteBufferSize, 1024)
	setDuration(&c.WebSocket.PingPeriod, 30*time.Second)

	setString(&c.PriceOracle.BaseURL, "https://api.coingecko.com/api/v3")
	setInt(&c.PriceOracle.Timeout, 10)
	setInt(&c.PriceOracle.MaxRetries, 3)
	setDuration(&c.PriceOracle.RetryBackoffBase, time.Second)
	setInt(&c.PriceOracle.RequestsPerMinute, 30)
	setDuration(&c.PriceOracle.CacheTTL, 60*time.Second)

	if c.Providers == nil {
		c.Providers = make(map[domain.RouteType]ProviderConfig)
	}
	for _, t := range domain.RouteTypes {
		p := c.Providers[t]
		setDuration(&p.Timeout, 10*time.Second)
		setInt(&p.MaxRetries, 2)
		setDuration(&p.RetryDelay, 500*time.Millisecond)
		setInt(&p.RequiredConfirmations, 3)
		setDuration(&p.InstructionTTL, defaultInstructionTTL(t))
		c.Providers[t] = p
	}

	r := &c.Routing
	setString(&r.FallbackCountry, "AU")
	setString(&r.DomesticCurrency, string(domain.CurrencyAUD))
	setString(&r.DomesticCountry, "AU")
	setString(&r.DomesticInstantMethod, "payid")
	if len(r.DomesticProviderHints) == 0 {
		r.DomesticProviderHints = []string{"au"}
	}
	setDuration(&r.MetricsTTL, 24*time.Hour)
	setDuration(&r.MemoTTL, 5*time.Second)
	setInt(&r.SuccessRateWindow, 100)
	setFloat(&r.Suspension.Threshold, 0.5)
	setInt64(&r.Suspension.MinVolume, 10)
	setDuration(&r.Suspension.Cooldown, 5*time.Minute)
	setFloat(&r.FailoverSuspension.Threshold, 0.7)
	setInt64(&r.FailoverSuspension.MinVolume, 6)
	setDuration(&r.FailoverSuspension.Cooldown, 10*time.Minute)

	p := &c.Processor
	setString(&p.DefaultCryptoCurrency, "USDT")
	setInt(&p.RateLimits.MaxConcurrentPayments, 100)
	setInt64(&p.RateLimits.MaxPaymentsPerMinute, 60)
	setInt64(&p.RateLimits.MaxPaymentsPerHour, 1000)
	setInt64(&p.RateLimits.MaxPaymentsPerIPPerMinute, 20)
	setDuration(&p.Monitoring.StatusCheckInterval, 30*time.Second)
	setDuration(&p.Monitoring.PaymentTimeout, 30*time.Minute)
	setInt(&p.Monitoring.MaxRetries, 3)
	setDuration(&p.Monitoring.CheckTimeout, 10*time.Second)
	setInt(&p.Monitoring.MaxConcurrentChecks, 10)
	setInt(&p.Monitoring.CallRetries, 2)
	setDuration(&p.Monitoring.CallRetryDelay, 500*time.Millisecond)
	setDuration(&p.Monitoring.RetainTerminal, time.Hour)
	setFloat(&p.Fraud.MaxAmountPerCustomer, 10000)
	setInt64(&p.Fraud.MaxPaymentsPerCustomer, 10)
	setDuration(&p.Fraud.Window, 24*time.Hour)
	if len(p.Fraud.SuspiciousPatterns) == 0 {
		p.Fraud.SuspiciousPatterns = []string{"rapid_succession", "high_amount", "multiple_ips"}
	}
	setFloat(&p.Settlement.MinSettlementAmount, 10)
	setString(&p.Settlement.SettlementFrequency, "immediate")
	setInt(&p.Settlement.RequiredConfirmations, 3)
	setInt(&p.Webhook.MaxRetries, 3)
	setDuration(&p.Webhook.RetryDelay, 5*time.Second)
	setDuration(&p.Webhook.Timeout, 30*time.Second)

	if len(c.Routes) == 0 {
		routes, err := DefaultRoutes()
		if err != nil {
			return err
		}
		c.Routes = routes
	}
	for i := range c.Routes {
		setString(&c.Routes[i].Fees.Currency, "USD")
	}

	return nil
}

// Validate rejects configurations the gateway must not start with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Routes) == 0 {
		errs = append(errs, errors.New("route catalog is empty"))
	}

	seen := make(map[string]bool, len(c.Routes))
	enabled := 0
	for i, r := range c.Routes {
		prefix := fmt.Sprintf("routes[%d]", i)
		if !r.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s: unknown route type %q", prefix, r.Type))
		}
		if strings.TrimSpace(r.Provider) == "" {
			errs = append(errs, fmt.Errorf("%s: provider is required", prefix))
		}
		if seen[r.ID()] {
			errs = append(errs, fmt.Errorf("%s: duplicate route id %s", prefix, r.ID()))
		}
		seen[r.ID()] = true
		if r.Limits.MinAmount <= 0 {
			errs = append(errs, fmt.Errorf("%s: min_amount must be positive", prefix))
		}
		if r.Limits.MaxAmount < r.Limits.MinAmount {
			errs = append(errs, fmt.Errorf("%s: max_amount %v below min_amount %v", prefix, r.Limits.MaxAmount, r.Limits.MinAmount))
		}
		if r.Fees.Percentage < 0 || r.Fees.Fixed < 0 {
			errs = append(errs, fmt.Errorf("%s: fees must not be negative", prefix))
		}
		if len(r.Capabilities.Currencies) == 0 || len(r.Capabilities.CryptoCurrencies) == 0 {
			errs = append(errs, fmt.Errorf("%s: currencies and crypto_currencies are required", prefix))
		}
		if len(r.Capabilities.Countries) == 0 {
			errs = append(errs, fmt.Errorf("%s: countries are required", prefix))
		}
		if r.Enabled {
			enabled++
		}
	}
	if len(c.Routes) > 0 && enabled == 0 {
		errs = append(errs, errors.New("route catalog has no enabled routes"))
	}

	if !domain.FiatCurrency(c.Routing.DomesticCurrency).IsSupported() {
		errs = append(errs, fmt.Errorf("routing: unsupported domestic currency %q", c.Routing.DomesticCurrency))
	}
	if c.Processor.Monitoring.MaxConcurrentChecks <= 0 {
		errs = append(errs, errors.New("processor.monitoring: max_concurrent_checks must be positive"))
	}

	seenMerchants := make(map[string]bool, len(c.Merchants))
	for i, m := range c.Merchants {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("merchants[%d]: id is required", i))
		}
		if seenMerchants[m.ID] {
			errs = append(errs, fmt.Errorf("merchants[%d]: duplicate merchant id %s", i, m.ID))
		}
		seenMerchants[m.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) Merchant(id string) (domain.Merchant, bool) {
	for _, m := range c.Merchants {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Merchant{}, false
}

// WalletAddress returns the merchant's settlement address for crypto.
func (c *Config) WalletAddress(merchantID, crypto string) (string, bool) {
	m, ok := c.Merchant(merchantID)
	if !ok {
		return "", false
	}
	for symbol, addr := range m.Wallets {
		if strings.EqualFold(symbol, crypto) && addr != "" {
			return addr, true
		}
	}
	return "", false
}

func defaultInstructionTTL(t domain.RouteType) time.Duration {
	switch t {
	case domain.RouteTypeP2P:
		return 15 * time.Minute
	case domain.RouteTypeDEX:
		return 20 * time.Minute
	case domain.RouteTypeGiftCard:
		return time.Hour
	default:
		return 30 * time.Minute
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setInt64(v *int64, def int64) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
