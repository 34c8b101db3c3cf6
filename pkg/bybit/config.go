// pkg/bybit/config.go
package bybit

import (
	"fmt"
	"strings"
	"time"
)

// DefaultURL — публичный V5-стрим линейных перпетуалов.
const DefaultURL = "wss://stream.bybit.com/v5/public/linear"

// Config holds WebSocket configuration for the Bybit connector.
type Config struct {
	URL              string        `mapstructure:"ws_url"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`      // rolling read deadline
	PingInterval     time.Duration `mapstructure:"ping_interval"`     // app-level {"op":"ping"} cadence
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"` // wait for subscribe ack
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	MaxTopicsPerConn int           `mapstructure:"max_topics_per_conn"`
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxTopicsPerConn <= 0 {
		c.MaxTopicsPerConn = 10
	}
}

// Validate checks config for required fields.
func (c *Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("bybit: URL is required")
	case c.PingInterval >= c.IdleTimeout:
		return fmt.Errorf("bybit: ping interval (%v) must be below idle timeout (%v)", c.PingInterval, c.IdleTimeout)
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

// TopicOrderbook возвращает топик стакана глубины 1 (top of book).
func TopicOrderbook(symbol string) string {
	return "orderbook.1." + strings.ToUpper(symbol)
}

// TopicTrade возвращает топик публичных сделок.
func TopicTrade(symbol string) string {
	return "publicTrade." + strings.ToUpper(symbol)
}

// TopicSymbol извлекает символ из топика ("orderbook.1.BTCUSDT" → "BTCUSDT").
func TopicSymbol(topic string) string {
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		return topic[i+1:]
	}
	return ""
}
