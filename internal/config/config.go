package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const defaultConfigFile = "config.json"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	LLM         LLMConfig                 `json:"llm"`
	Security    SecurityConfig            `json:"security"`
	Log         LogConfig                 `json:"log"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	Debug         bool   `json:"debug"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// LLMConfig selects the upstream provider and the blocking-mode retry policy.
type LLMConfig struct {
	Provider              string `json:"provider"`
	Model                 string `json:"model"`
	AttemptTimeoutSeconds int    `json:"attempt_timeout_seconds"`
	MaxAttempts           int    `json:"max_attempts"`
	RetryDelayMillis      int    `json:"retry_delay_ms"`
}

type SecurityConfig struct {
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	AllowedHosts       []string `json:"allowed_hosts"`
	CORSOrigins        []string `json:"cors_origins"`
	MaxRequestSize     int64    `json:"max_request_size"`
	// TrustedProxies lists the proxy addresses or CIDRs whose
	// X-Forwarded-For header is honored. Empty means the socket peer is the
	// client.
	TrustedProxies []string `json:"trusted_proxies"`
}

type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	Production bool   `json:"production"`
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress: "127.0.0.1:8000",
			Workers:       8,
			QueueSize:     64,
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "chatbot.db"},
			"mysql":   {Host: "127.0.0.1", Port: 3306, Params: "parseTime=true&charset=utf8mb4"},
		},
		Redis: RedisConfig{Host: "127.0.0.1", Port: 6379},
		Providers: map[string]ProviderConfig{
			"deepseek": {BaseURL: "https://api.deepseek.com", Model: "deepseek-reasoner"},
			"openai":   {Model: "gpt-4o-mini"},
			"claude":   {Model: "claude-3-5-haiku-latest"},
			"gemini":   {Model: "gemini-2.0-flash"},
		},
		LLM: LLMConfig{
			Provider:              "deepseek",
			AttemptTimeoutSeconds: 60,
			MaxAttempts:           3,
			RetryDelayMillis:      1000,
		},
		Security: SecurityConfig{
			RateLimitPerMinute: 60,
			AllowedHosts:       []string{"localhost", "127.0.0.1"},
			CORSOrigins:        []string{"http://localhost:8080"},
			MaxRequestSize:     10 << 20,
		},
		Log: LogConfig{
			Level: "info",
			File:  "logs/app.log",
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json),
// then applies .env and environment overrides. A missing default file is not
// an error; an explicitly named one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && !isMemoryDSN(db.DSN) && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases["sqlite3"] = db
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	provider := strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	switch provider {
	case "deepseek", "openai", "claude", "gemini":
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	c.LLM.Provider = provider
	if c.LLM.MaxAttempts <= 0 {
		return errors.New("llm.max_attempts must be positive")
	}
	if c.LLM.AttemptTimeoutSeconds <= 0 {
		return errors.New("llm.attempt_timeout_seconds must be positive")
	}
	if c.LLM.RetryDelayMillis < 0 {
		return errors.New("llm.retry_delay_ms cannot be negative")
	}
	if db, ok := c.Databases["sqlite3"]; ok && db.DSN == "" {
		return errors.New("sqlite3 dsn must be configured")
	}
	if c.Security.RateLimitPerMinute < 0 {
		return errors.New("security.rate_limit_per_minute cannot be negative")
	}
	for _, origin := range c.Security.CORSOrigins {
		if err := validateOrigin(origin); err != nil {
			return err
		}
	}
	for _, proxy := range c.Security.TrustedProxies {
		if err := validateProxy(proxy); err != nil {
			return err
		}
	}
	return nil
}

// validateOrigin accepts "*" or an absolute http(s) origin without wildcards.
func validateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || strings.Contains(origin, "*") {
		return fmt.Errorf("security.cors_origins: %q must be \"*\" or an http(s) origin such as http://localhost:8080", origin)
	}
	return nil
}

func validateProxy(proxy string) error {
	if strings.Contains(proxy, "/") {
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("security.trusted_proxies: invalid CIDR %q", proxy)
		}
		return nil
	}
	if net.ParseIP(proxy) == nil {
		return fmt.Errorf("security.trusted_proxies: invalid IP %q", proxy)
	}
	return nil
}

// ProviderSettings returns the provider block for the configured LLM provider,
// with llm.model taking precedence over the provider default model.
func (c *Config) ProviderSettings() ProviderConfig {
	prov := c.Providers[c.LLM.Provider]
	if c.LLM.Model != "" {
		prov.Model = c.LLM.Model
	}
	return prov
}

func applyEnv(cfg *Config) {
	host, port := os.Getenv("HOST"), os.Getenv("PORT")
	if host != "" || port != "" {
		curHost, curPort := splitAddr(cfg.BasicConfig.ServerAddress)
		if host == "" {
			host = curHost
		}
		if port == "" {
			port = curPort
		}
		cfg.BasicConfig.ServerAddress = host + ":" + port
	}
	if v, ok := boolEnv("DEBUG"); ok {
		cfg.BasicConfig.Debug = v
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		driver := DriverFromEnv()
		db := cfg.Databases[driver]
		db.DSN = dsn
		if cfg.Databases == nil {
			cfg.Databases = make(map[string]DatabaseConfig)
		}
		cfg.Databases[driver] = db
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	deepseek := cfg.Providers["deepseek"]
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		deepseek.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_API_BASE"); v != "" {
		deepseek.BaseURL = v
	}
	cfg.Providers["deepseek"] = deepseek

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	if v, ok := intEnv("RATE_LIMIT_PER_MINUTE"); ok {
		cfg.Security.RateLimitPerMinute = v
	}
	if v := listEnv("ALLOWED_HOSTS"); v != nil {
		cfg.Security.AllowedHosts = v
	}
	if v := listEnv("CORS_ORIGINS"); v != nil {
		cfg.Security.CORSOrigins = v
	}
	if v := listEnv("TRUSTED_PROXIES"); v != nil {
		cfg.Security.TrustedProxies = v
	}
	if v, ok := intEnv("MAX_REQUEST_SIZE"); ok {
		cfg.Security.MaxRequestSize = int64(v)
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		h, p := splitAddr(addr)
		cfg.Redis.Enabled = true
		cfg.Redis.Host = h
		if n, err := strconv.Atoi(p); err == nil {
			cfg.Redis.Port = n
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

// DriverFromEnv reports the database driver selected by SERVICEBOT_DB.
func DriverFromEnv() string {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("SERVICEBOT_DB")))
	if driver == "" || driver == "sqlite" {
		return "sqlite3"
	}
	return driver
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func splitAddr(addr string) (string, string) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}

func intEnv(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func boolEnv(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func listEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
