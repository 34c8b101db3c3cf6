// internal/app/collector.go
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quant-research/md-collector/internal/buffer"
	"github.com/quant-research/md-collector/internal/config"
	"github.com/quant-research/md-collector/internal/metrics"
	"github.com/quant-research/md-collector/internal/parser"
	"github.com/quant-research/md-collector/internal/sink"
	"github.com/quant-research/md-collector/internal/subscriber"
	"github.com/quant-research/md-collector/pkg/bybit"
	"github.com/quant-research/md-collector/pkg/httpserver"
	"github.com/quant-research/md-collector/pkg/logger"
	"github.com/quant-research/md-collector/pkg/telemetry"
)

// Run собирает конвейер subscriber → parser → buffer → sink и ведёт его
// до отмены контекста. Ошибка записи на диск или исчерпание retry-бюджета
// подписки валит процесс: молчаливая потеря данных недопустима.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register()

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Insecure:       cfg.Telemetry.Insecure,
		SamplerRatio:   cfg.Telemetry.SamplerRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(ctx) }, log)

	loc := cfg.Collector.Location()

	// 1) Буфер строк и парсер, пишущий в него.
	buf := buffer.New(cfg.Collector.BufferMaxRows, log)
	prs := parser.New(buf, loc, log)

	// 2) File Sink.
	snk, err := sink.New(sink.Config{
		OutputDir:     cfg.Collector.OutputDir,
		FlushInterval: cfg.Collector.FlushInterval,
		Location:      loc,
		TradeWindow:   cfg.Collector.Dedup.TradeWindow,
		QuoteLWW:      cfg.Collector.Dedup.QuoteLastWriteWins,
		WriteRetry:    cfg.Sink.WriteRetry,
	}, buf, log)
	if err != nil {
		return fmt.Errorf("sink init: %w", err)
	}

	// 3) Подписчики: батч символов на соединение, общий Dialer.
	bybitCfg := bybit.Config{
		URL:              cfg.Bybit.WSURL,
		IdleTimeout:      cfg.Bybit.IdleTimeout,
		PingInterval:     cfg.Bybit.PingInterval,
		SubscribeTimeout: cfg.Bybit.SubscribeTimeout,
		WriteTimeout:     cfg.Bybit.WriteTimeout,
		MaxTopicsPerConn: cfg.Bybit.MaxTopicsPerConn,
	}
	dialer, err := bybit.NewDialer(bybitCfg, log)
	if err != nil {
		return fmt.Errorf("bybit dialer init: %w", err)
	}

	batches := batchSymbols(cfg.Collector.Symbols, cfg.Bybit.MaxTopicsPerConn/2)
	subscribers := make([]*subscriber.Subscriber, 0, len(batches))
	for _, batch := range batches {
		sub, err := subscriber.New(subscriber.Config{
			Symbols: batch,
			Bybit:   bybitCfg,
			Backoff: cfg.Bybit.Backoff,
		}, dialer, prs, log)
		if err != nil {
			return fmt.Errorf("subscriber init %v: %w", batch, err)
		}
		subscribers = append(subscribers, sub)
	}
	log.Info("collector: pipeline assembled",
		zap.Int("symbols", len(cfg.Collector.Symbols)),
		zap.Int("connections", len(subscribers)),
		zap.String("output_dir", cfg.Collector.OutputDir),
		zap.String("timezone", cfg.Collector.Timezone))

	// 4) HTTP: метрики, health и /statusz.
	readiness := func() error {
		for _, s := range subscribers {
			if h := s.Health(); h.State != subscriber.StateStreaming.String() {
				return fmt.Errorf("subscriber %v is %s", h.Symbols, h.State)
			}
		}
		return nil
	}
	startedAt := time.Now()
	status := statusHandler(cfg, subscribers, startedAt)
	httpSrv, err := httpserver.New(httpserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		MetricsPath:     cfg.HTTP.MetricsPath,
		HealthzPath:     cfg.HTTP.HealthzPath,
		ReadyzPath:      cfg.HTTP.ReadyzPath,
		StatusPath:      cfg.HTTP.StatusPath,
	}, readiness, status, log)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Canceled от остановленного сервера не должен занять слот первой
	// ошибки группы: реальная ошибка финального сброса sink важнее.
	g.Go(func() error {
		err := httpSrv.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Sink живёт на собственном контексте: его финальный сброс обязан
	// случиться после остановки всех подписчиков, иначе строки,
	// принятые в последний момент, не попали бы на диск.
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()
	g.Go(func() error {
		err := snk.Run(sinkCtx)
		if errors.Is(err, context.Canceled) {
			return nil // штатная остановка
		}
		return err
	})

	subs, subCtx := errgroup.WithContext(gctx)
	for _, sub := range subscribers {
		sub := sub
		subs.Go(func() error { return sub.Run(subCtx) })
	}

	// Координатор порядка остановки: подписчики → sink.
	g.Go(func() error {
		err := subs.Wait()
		stopSink()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error { return healthLoop(gctx, cfg.Collector.HealthInterval, subscribers, log) })

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("collector stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// batchSymbols режет список на группы по perConn символов.
func batchSymbols(symbols []string, perConn int) [][]string {
	if perConn < 1 {
		perConn = 1
	}
	var out [][]string
	for len(symbols) > perConn {
		out = append(out, symbols[:perConn])
		symbols = symbols[perConn:]
	}
	if len(symbols) > 0 {
		out = append(out, symbols)
	}
	return out
}

// healthLoop пишет агрегированное здоровье с фиксированным интервалом.
// Это диагностика, не контракт: падение строки лога ни на что не влияет.
func healthLoop(ctx context.Context, interval time.Duration, subscribers []*subscriber.Subscriber, log *logger.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevRows := make([]int64, len(subscribers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for i, s := range subscribers {
				h := s.Health()
				rate := float64(h.Rows-prevRows[i]) / interval.Seconds()
				prevRows[i] = h.Rows

				var lastAge time.Duration
				if h.LastFrameTS > 0 {
					lastAge = time.Since(time.UnixMicro(h.LastFrameTS))
				}
				log.Info("health",
					zap.Strings("symbols", h.Symbols),
					zap.String("state", h.State),
					zap.Float64("rows_per_sec", rate),
					zap.Int64("rows_total", h.Rows),
					zap.Int64("reconnects", h.Reconnects),
					zap.Duration("last_frame_age", lastAge))
			}
		}
	}
}

// statusHandler отдаёт JSON-снимок для /statusz.
func statusHandler(cfg *config.Config, subscribers []*subscriber.Subscriber, startedAt time.Time) http.Handler {
	type payload struct {
		Service     string              `json:"service"`
		Version     string              `json:"version"`
		UptimeSec   int64               `json:"uptime_sec"`
		Subscribers []subscriber.Health `json:"subscribers"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		p := payload{
			Service:     cfg.ServiceName,
			Version:     cfg.ServiceVersion,
			UptimeSec:   int64(time.Since(startedAt).Seconds()),
			Subscribers: make([]subscriber.Health, 0, len(subscribers)),
		}
		for _, s := range subscribers {
			p.Subscribers = append(p.Subscribers, s.Health())
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p)
	})
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием.
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
