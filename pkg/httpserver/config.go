// pkg/httpserver/config.go

package httpserver

import (
	"fmt"
	"time"
)

// Config определяет настройки HTTP-сервера коллектора.
type Config struct {
	Addr            string        // адрес для Listen, например ":8080"
	ReadTimeout     time.Duration // максимальное время чтения запроса
	WriteTimeout    time.Duration // максимальное время записи ответа
	IdleTimeout     time.Duration // максимальное время простоя соединения
	ShutdownTimeout time.Duration // таймаут для graceful shutdown
	MetricsPath     string        // путь для Prometheus-метрик
	HealthzPath     string        // путь liveness-пробы
	ReadyzPath      string        // путь readiness-пробы
	StatusPath      string        // путь JSON-снимка состояния подписок
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.HealthzPath == "" {
		c.HealthzPath = "/healthz"
	}
	if c.ReadyzPath == "" {
		c.ReadyzPath = "/readyz"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/statusz"
	}
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("httpserver: Addr is required")
	}
	return nil
}
