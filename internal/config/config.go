// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/sirupsen/logrus"
)

// Config is the validated process configuration, read from the environment.
type Config struct {
	Port string

	LobbyCapacity  int
	MatchTimeout   time.Duration
	EndGracePeriod time.Duration
	StartCountdown time.Duration
	BotFill        lobby.BotFillPolicy
	BotLifetime    lobby.BotLifetime

	PayoutURL        string
	PayoutSecret     string
	PayoutMaxRetries int
	PayoutTimeout    time.Duration

	AuthPublicKeyPath string

	RedisAddr          string
	RedisDB            int
	HistorianQueueName string

	DatabaseURL string

	WSRateLimit float64
	WSRateBurst int

	LogLevel  logrus.Level
	LogFormat string
}

// Load reads every setting, applying defaults, and reports all invalid values
// at once.
func Load() (Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := Config{
		Port:               getEnv("PORT", "8080"),
		LobbyCapacity:      p.int("LOBBY_CAPACITY", lobby.DefaultCapacity),
		MatchTimeout:       p.duration("MATCH_TIMEOUT", 3*time.Minute),
		EndGracePeriod:     p.duration("END_GRACE_PERIOD", 30*time.Second),
		StartCountdown:     p.duration("START_COUNTDOWN", 0),
		PayoutURL:          os.Getenv("PAYOUT_URL"),
		PayoutSecret:       os.Getenv("PAYOUT_SECRET"),
		PayoutMaxRetries:   p.int("PAYOUT_MAX_RETRIES", 3),
		PayoutTimeout:      p.duration("PAYOUT_TIMEOUT", 5*time.Second),
		AuthPublicKeyPath:  os.Getenv("AUTH_PUBLIC_KEY_PATH"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisDB:            p.int("REDIS_DB", 0),
		HistorianQueueName: getEnv("HISTORIAN_QUEUE_NAME", "arcade_actions"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		WSRateLimit:        p.float("WS_RATE_LIMIT", 30),
		WSRateBurst:        p.int("WS_RATE_BURST", 60),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	mode, err := lobby.ParseBotFillMode(os.Getenv("BOT_FILL"))
	if err != nil {
		errs = append(errs, fmt.Errorf("BOT_FILL: %w", err))
	}
	cfg.BotFill = lobby.BotFillPolicy{Mode: mode, Delay: p.duration("BOT_FILL_DELAY", 10*time.Second)}
	cfg.BotLifetime = lobby.BotLifetime{
		Min: p.duration("BOT_MIN_LIFETIME", 5*time.Second),
		Max: p.duration("BOT_MAX_LIFETIME", 45*time.Second),
	}

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = level

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	if c.LobbyCapacity < lobby.MinCapacity || c.LobbyCapacity > lobby.MaxCapacity {
		errs = append(errs, fmt.Errorf("LOBBY_CAPACITY must be between %d and %d, got %d", lobby.MinCapacity, lobby.MaxCapacity, c.LobbyCapacity))
	}
	if c.MatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_TIMEOUT must be positive"))
	}
	if c.EndGracePeriod < 0 || c.StartCountdown < 0 || c.BotFill.Delay < 0 {
		errs = append(errs, fmt.Errorf("END_GRACE_PERIOD, START_COUNTDOWN and BOT_FILL_DELAY must not be negative"))
	}
	if c.BotLifetime.Min < 0 || c.BotLifetime.Max < 0 || (c.BotLifetime.Max > 0 && c.BotLifetime.Min > c.BotLifetime.Max) {
		errs = append(errs, fmt.Errorf("BOT_MIN_LIFETIME must be between 0 and BOT_MAX_LIFETIME"))
	}
	if u, err := url.Parse(c.PayoutURL); c.PayoutURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("PAYOUT_URL must be an absolute http(s) url"))
	}
	if len(c.PayoutSecret) < 16 {
		errs = append(errs, fmt.Errorf("PAYOUT_SECRET must be at least 16 bytes"))
	}
	if c.PayoutMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("PAYOUT_MAX_RETRIES must not be negative"))
	}
	if c.PayoutTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PAYOUT_TIMEOUT must be positive"))
	}
	if c.WSRateLimit <= 0 || c.WSRateBurst <= 0 {
		errs = append(errs, fmt.Errorf("WS_RATE_LIMIT and WS_RATE_BURST must be positive"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json"))
	}
	return errs
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

type parser struct {
	errs *[]error
}

func (p parser) int(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p parser) float(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p parser) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

// getEnv reads an environment variable or returns a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// Historian is the configuration of the historian process.
type Historian struct {
	RedisAddr     string
	RedisDB       int
	Queue         string
	DatabaseURL   string
	BatchSize     int
	FlushInterval time.Duration
	Inactivity    time.Duration

	LogLevel  logrus.Level
	LogFormat string
}

// LoadHistorian reads the historian settings. REDIS_ADDR and DATABASE_URL
// are required.
func LoadHistorian() (Historian, error) {
	var errs []error
	p := parser{errs: &errs}

	h := Historian{
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisDB:       p.int("REDIS_DB", 0),
		Queue:         getEnv("HISTORIAN_QUEUE_NAME", "arcade_actions"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		BatchSize:     p.int("HISTORIAN_BATCH_SIZE", 20),
		FlushInterval: p.duration("HISTORIAN_FLUSH_INTERVAL", 500*time.Millisecond),
		Inactivity:    p.duration("MATCH_INACTIVITY_TIMEOUT", 10*time.Minute),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}
	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	h.LogLevel = level

	if h.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if h.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if h.BatchSize <= 0 || h.FlushInterval <= 0 || h.Inactivity <= 0 {
		errs = append(errs, errors.New("HISTORIAN_BATCH_SIZE, HISTORIAN_FLUSH_INTERVAL and MATCH_INACTIVITY_TIMEOUT must be positive"))
	}
	if h.LogFormat != "text" && h.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json"))
	}
	if len(errs) > 0 {
		return Historian{}, errors.Join(errs...)
	}
	return h, nil
}

// NewLogger builds the historian logger.
func (h Historian) NewLogger() *logrus.Logger {
	return Config{LogLevel: h.LogLevel, LogFormat: h.LogFormat}.NewLogger()
}
