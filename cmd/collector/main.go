// cmd/collector/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quant-research/md-collector/internal/app"
	"github.com/quant-research/md-collector/internal/config"
	"github.com/quant-research/md-collector/pkg/logger"
)

func main() {
	var (
		cfgPath   string
		outputDir string
	)

	root := &cobra.Command{
		Use:          "collector [flags] SYMBOL [SYMBOL...]",
		Short:        "Bybit V5 linear market-data collector",
		Long:         "Подписывается на orderbook.1 и publicTrade по заданным символам и пишет котировки и сделки в gzip-CSV, партиционированные по дате и символу.",
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ov := config.Overrides{Symbols: args}
			if cmd.Flags().Changed("output-dir") {
				ov.OutputDir = outputDir
			}

			// 1. Конфиг: CLI > ENV > файл > defaults.
			cfg, err := config.Load(cfgPath, ov)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			// 2. Логгер.
			log, err := logger.New(logger.Config{Level: cfg.Logging.Level, DevMode: cfg.Logging.DevMode})
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer log.Sync()

			if cfg.Logging.DevMode {
				cfg.Print()
			}

			// 3. Каталог вывода проверяется до любых сетевых действий.
			if err := ensureWritable(cfg.Collector.OutputDir); err != nil {
				return err
			}

			// 4. Контекст с отменой по сигналам.
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Sugar().Infow("starting service",
				"service.name", cfg.ServiceName,
				"service.version", cfg.ServiceVersion,
				"symbols", cfg.Collector.Symbols,
			)

			// 5. Запуск основного приложения.
			if err := app.Run(ctx, cfg, log); err != nil {
				return err
			}
			log.Sugar().Infow("shutdown complete")
			return nil
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to YAML config (optional)")
	root.Flags().StringVar(&outputDir, "output-dir", "./data", "root directory for collected files")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}
}

// ensureWritable создаёт корневой каталог и проверяет право записи
// пробным файлом: ошибка здесь фатальна и видна сразу.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("output dir %q: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("output dir %q is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}
