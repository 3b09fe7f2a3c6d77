// Package config carrega as configurações do .env, das variáveis de ambiente e
// de um arquivo YAML opcional com limites por adaptador.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"monitor-precos/internal/ratelimit"
	"monitor-precos/internal/scraper"
)

var logger = loggo.GetLogger("monitor-precos.config")

// Config contém as configurações da aplicação
type Config struct {
	TelegramBotToken     string
	TelegramChatID       int64
	CheckIntervalMinutes int
	CheckInterval        time.Duration
	DatabasePath         string

	ScrapeWorkers     int
	NotFoundThreshold int
	ScrapeMaxAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	RateLimit     ratelimit.BucketConfig
	AdapterLimits map[string]ratelimit.BucketConfig
	RedisURL      string

	DeliveryMaxAttempts int
	DeliveryBaseDelay   time.Duration
	DeliveryWorkers     int

	Ebay       scraper.EbayConfig
	FixtureDir string

	MetricsAddr string
	LogLevel    string
}

// fileConfig é o formato do arquivo apontado por CONFIG_FILE
type fileConfig struct {
	RateLimits struct {
		Default  ratelimit.BucketConfig            `yaml:"default"`
		Adapters map[string]ratelimit.BucketConfig `yaml:"adapters"`
	} `yaml:"rate_limits"`
}

func defaults() *Config {
	return &Config{
		CheckIntervalMinutes: 5,
		DatabasePath:         "./products.db",
		ScrapeWorkers:        4,
		NotFoundThreshold:    3,
		ScrapeMaxAttempts:    6,
		BackoffBase:          2 * time.Second,
		BackoffMax:           2 * time.Minute,
		RateLimit: ratelimit.BucketConfig{
			PerMinute: 30,
			Burst:     5,
			MaxWait:   30 * time.Second,
		},
		AdapterLimits:       map[string]ratelimit.BucketConfig{},
		DeliveryMaxAttempts: 5,
		DeliveryBaseDelay:   time.Second,
		DeliveryWorkers:     2,
		Ebay:                scraper.EbayConfig{Environment: "sandbox"},
		FixtureDir:          "./fixtures",
		MetricsAddr:         ":9090",
		LogLevel:            "<root>=INFO",
	}
}

// Load carrega o .env (se existir) e depois as variáveis de ambiente
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debugf("Arquivo .env não encontrado, usando variáveis de ambiente do sistema")
	}
	return FromEnv()
}

// FromEnv monta a configuração a partir do ambiente atual. Valores numéricos
// inválidos são ignorados e o padrão é mantido.
func FromEnv() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, errors.NotValidf("TELEGRAM_BOT_TOKEN não configurado")
	}

	cfg := defaults()
	cfg.TelegramBotToken = token

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, errors.Annotatef(err, "lendo %s", path)
		}
	}

	// Chat ID é opcional (restringe os comandos a um único chat)
	if chatIDStr := os.Getenv("TELEGRAM_CHAT_ID"); chatIDStr != "" {
		if chatID, err := strconv.ParseInt(chatIDStr, 10, 64); err == nil {
			cfg.TelegramChatID = chatID
		} else {
			logger.Warningf("TELEGRAM_CHAT_ID inválido: %q", chatIDStr)
		}
	}

	envInt("CHECK_INTERVAL_MINUTES", &cfg.CheckIntervalMinutes)
	cfg.CheckInterval = time.Duration(cfg.CheckIntervalMinutes) * time.Minute
	envString("DATABASE_PATH", &cfg.DatabasePath)

	envInt("SCRAPE_WORKERS", &cfg.ScrapeWorkers)
	envInt("NOT_FOUND_THRESHOLD", &cfg.NotFoundThreshold)
	envInt("SCRAPE_MAX_ATTEMPTS", &cfg.ScrapeMaxAttempts)
	envDuration("BACKOFF_BASE", &cfg.BackoffBase)
	envDuration("BACKOFF_MAX", &cfg.BackoffMax)

	envFloat("RATE_LIMIT_PER_MINUTE", &cfg.RateLimit.PerMinute)
	envInt("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	envDuration("RATE_LIMIT_MAX_WAIT", &cfg.RateLimit.MaxWait)
	envString("REDIS_URL", &cfg.RedisURL)

	envInt("DELIVERY_MAX_ATTEMPTS", &cfg.DeliveryMaxAttempts)
	envDuration("DELIVERY_BASE_DELAY", &cfg.DeliveryBaseDelay)
	envInt("DELIVERY_WORKERS", &cfg.DeliveryWorkers)

	envString("EBAY_CLIENT_ID", &cfg.Ebay.ClientID)
	envString("EBAY_CLIENT_SECRET", &cfg.Ebay.ClientSecret)
	envString("EBAY_ENVIRONMENT", &cfg.Ebay.Environment)
	envString("FIXTURE_DIR", &cfg.FixtureDir)

	envString("METRICS_ADDR", &cfg.MetricsAddr)
	envString("LOG_LEVEL", &cfg.LogLevel)

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Trace(err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return errors.NewNotValid(err, "YAML inválido")
	}
	d := fc.RateLimits.Default
	if d.PerMinute > 0 {
		c.RateLimit.PerMinute = d.PerMinute
	}
	if d.Burst > 0 {
		c.RateLimit.Burst = d.Burst
	}
	if d.MaxWait > 0 {
		c.RateLimit.MaxWait = d.MaxWait
	}
	for name, limit := range fc.RateLimits.Adapters {
		c.AdapterLimits[name] = limit
	}
	return nil
}

// EbayEnabled indica se há credenciais para o adaptador do eBay
func (c *Config) EbayEnabled() bool {
	return c.Ebay.ClientID != "" && c.Ebay.ClientSecret != ""
}

// ConfigureLogging aplica LOG_LEVEL aos loggers
func (c *Config) ConfigureLogging() error {
	return errors.Annotatef(loggo.ConfigureLoggers(c.LogLevel), "LOG_LEVEL %q", c.LogLevel)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
		*dst = parsed
		return
	}
	logger.Warningf("%s inválido (%q), usando %d", key, v, *dst)
}

func envFloat(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
		*dst = parsed
		return
	}
	logger.Warningf("%s inválido (%q), usando %v", key, v, *dst)
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
		*dst = parsed
		return
	}
	logger.Warningf("%s inválido (%q), usando %s", key, v, *dst)
}
