// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/quant-research/md-collector/pkg/backoff"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string          `mapstructure:"service_name"`
	ServiceVersion string          `mapstructure:"service_version"`
	Collector      CollectorConfig `mapstructure:"collector"`
	Bybit          BybitConfig     `mapstructure:"bybit"`
	Sink           SinkConfig      `mapstructure:"sink"`
	Telemetry      Telemetry       `mapstructure:"telemetry"`
	Logging        Logging         `mapstructure:"logging"`
	HTTP           HTTPConfig      `mapstructure:"http"`
}

// CollectorConfig — что собираем и куда пишем.
type CollectorConfig struct {
	Symbols        []string      `mapstructure:"symbols"`
	OutputDir      string        `mapstructure:"output_dir"`
	Timezone       string        `mapstructure:"timezone"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	BufferMaxRows  int           `mapstructure:"buffer_max_rows"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	Dedup          DedupConfig   `mapstructure:"dedup"`
}

// DedupConfig — защита от дублей при reconnect.
// TradeWindow = 0 выключает фильтр по trade id.
type DedupConfig struct {
	TradeWindow        int  `mapstructure:"trade_window"`
	QuoteLastWriteWins bool `mapstructure:"quote_last_write_wins"`
}

// BybitConfig хранит настройки публичного V5-стрима.
type BybitConfig struct {
	WSURL            string         `mapstructure:"ws_url"`
	IdleTimeout      time.Duration  `mapstructure:"idle_timeout"`
	PingInterval     time.Duration  `mapstructure:"ping_interval"`
	SubscribeTimeout time.Duration  `mapstructure:"subscribe_timeout"`
	WriteTimeout     time.Duration  `mapstructure:"write_timeout"`
	MaxTopicsPerConn int            `mapstructure:"max_topics_per_conn"`
	Backoff          backoff.Config `mapstructure:"backoff"`
}

// SinkConfig — политика записи на диск.
type SinkConfig struct {
	WriteRetry backoff.Config `mapstructure:"write_retry"`
}

// Telemetry хранит настройки OpenTelemetry.
type Telemetry struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otel_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplerRatio float64 `mapstructure:"sampler_ratio"`
}

// Logging хранит настройки логгера.
type Logging struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// HTTPConfig хранит конфигурацию HTTP-/metrics-сервера.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
	StatusPath      string        `mapstructure:"status_path"`
}

// Overrides — значения из CLI; имеют приоритет над файлом и ENV.
type Overrides struct {
	Symbols   []string
	OutputDir string
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load загружает и валидирует конфиг. Если path пустой — читаются только
// ENV и defaults. Символы нормализуются к верхнему регистру без дублей.
func Load(path string, ov Overrides) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "md-collector")
	v.SetDefault("service_version", "v1.0.0")

	// Collector
	v.SetDefault("collector.output_dir", "./data")
	v.SetDefault("collector.timezone", "UTC")
	v.SetDefault("collector.flush_interval", "5s")
	v.SetDefault("collector.buffer_max_rows", 50000)
	v.SetDefault("collector.health_interval", "30s")
	v.SetDefault("collector.dedup.trade_window", 8192)
	v.SetDefault("collector.dedup.quote_last_write_wins", true)

	// Bybit
	v.SetDefault("bybit.ws_url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("bybit.idle_timeout", "60s")
	v.SetDefault("bybit.ping_interval", "20s")
	v.SetDefault("bybit.subscribe_timeout", "5s")
	v.SetDefault("bybit.write_timeout", "5s")
	v.SetDefault("bybit.max_topics_per_conn", 10)
	v.SetDefault("bybit.backoff.initial_interval", "1s")
	v.SetDefault("bybit.backoff.max_interval", "30s")
	v.SetDefault("bybit.backoff.max_elapsed_time", "0s") // reconnect без лимита

	// Sink
	v.SetDefault("sink.write_retry.initial_interval", "500ms")
	v.SetDefault("sink.write_retry.max_interval", "5s")
	v.SetDefault("sink.write_retry.max_elapsed_time", "15s")

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.port", 8086)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")
	v.SetDefault("http.status_path", "/statusz")

	// ---------- 2) ENV ----------
	v.SetEnvPrefix("COLLECTOR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     &cfg,
		DecodeHook: decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) CLI overrides ----------
	if len(ov.Symbols) > 0 {
		cfg.Collector.Symbols = ov.Symbols
	}
	if ov.OutputDir != "" {
		cfg.Collector.OutputDir = ov.OutputDir
	}
	cfg.Collector.Symbols = normalizeSymbols(cfg.Collector.Symbols)

	// ---------- 6) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

// normalizeSymbols приводит к верхнему регистру и убирает дубли,
// сохраняя исходный порядок.
func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// Collector
	if len(c.Collector.Symbols) == 0 {
		return fmt.Errorf("collector.symbols must contain at least one entry (CLI args or config)")
	}
	if c.Collector.OutputDir == "" {
		return fmt.Errorf("collector.output_dir is required")
	}
	if _, err := time.LoadLocation(c.Collector.Timezone); err != nil {
		return fmt.Errorf("collector.timezone %q: %w", c.Collector.Timezone, err)
	}
	if c.Collector.FlushInterval <= 0 {
		return fmt.Errorf("collector.flush_interval must be > 0")
	}
	if c.Collector.BufferMaxRows <= 0 {
		return fmt.Errorf("collector.buffer_max_rows must be > 0")
	}
	if c.Collector.HealthInterval <= 0 {
		return fmt.Errorf("collector.health_interval must be > 0")
	}
	if c.Collector.Dedup.TradeWindow < 0 {
		return fmt.Errorf("collector.dedup.trade_window must be >= 0")
	}

	// Bybit
	if c.Bybit.WSURL == "" {
		return fmt.Errorf("bybit.ws_url is required")
	}
	if c.Bybit.IdleTimeout <= 0 {
		return fmt.Errorf("bybit.idle_timeout must be > 0")
	}
	if c.Bybit.PingInterval <= 0 || c.Bybit.PingInterval >= c.Bybit.IdleTimeout {
		return fmt.Errorf("bybit.ping_interval must be > 0 and below bybit.idle_timeout")
	}
	if c.Bybit.SubscribeTimeout <= 0 {
		return fmt.Errorf("bybit.subscribe_timeout must be > 0")
	}
	if c.Bybit.MaxTopicsPerConn < 2 {
		return fmt.Errorf("bybit.max_topics_per_conn must be >= 2 (orderbook+trade pair)")
	}

	// Telemetry
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required when telemetry.enabled")
	}
	if c.Telemetry.SamplerRatio < 0 || c.Telemetry.SamplerRatio > 1 {
		return fmt.Errorf("telemetry.sampler_ratio must be within [0, 1]")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// HTTP
	if err := validateHTTP(&c.HTTP); err != nil {
		return err
	}

	return nil
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
		"http.status_path":  h.StatusPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

// Location возвращает таймзону партиционирования. Валидность
// проверена в Validate, поэтому ошибка здесь невозможна.
func (c *CollectorConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print выводит текущий конфиг в JSON (удобно в DevMode).
func (c *Config) Print() {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
