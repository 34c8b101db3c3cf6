// internal/sink/sink.go
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/quant-research/md-collector/internal/buffer"
	"github.com/quant-research/md-collector/internal/marketdata"
	"github.com/quant-research/md-collector/internal/metrics"
	"github.com/quant-research/md-collector/pkg/backoff"
	"github.com/quant-research/md-collector/pkg/logger"
)

var tracer = otel.Tracer("collector/sink")

// Config задаёт параметры File Sink.
type Config struct {
	OutputDir     string
	FlushInterval time.Duration
	Location      *time.Location // зона ротации по датам
	TradeWindow   int            // окно дедупликации сделок; 0 → выключено
	QuoteLWW      bool           // last-write-wins для котировок с равной меткой
	WriteRetry    backoff.Config // ограниченный повтор при ошибках ФС
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.WriteRetry.MaxElapsedTime <= 0 {
		// Ошибка ФС не повторяется бесконечно: после лимита — эскалация.
		c.WriteRetry.MaxElapsedTime = 15 * time.Second
	}
}

func (c Config) validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("sink: OutputDir is required")
	}
	return nil
}

// Sink — единственный владелец файлов вывода. Все операции с файлами
// выполняются из горутины Run: дисциплина «один писатель на ключ»
// обеспечивается устройством, а не блокировками.
type Sink struct {
	cfg Config
	buf *buffer.Buffer
	log *logger.Logger
	now func() time.Time

	files map[marketdata.Key]*fileHandle
	dedup map[marketdata.Key]*dedupState
}

// New создаёт Sink поверх буфера.
func New(cfg Config, buf *buffer.Buffer, log *logger.Logger) (*Sink, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Sink{
		cfg:   cfg,
		buf:   buf,
		log:   log.Named("sink"),
		now:   time.Now,
		files: make(map[marketdata.Key]*fileHandle),
		dedup: make(map[marketdata.Key]*dedupState),
	}, nil
}

// Run сбрасывает буфер по таймеру и по сигналу переполнения.
// На отмене контекста выполняется финальный сброс и закрытие всех
// файлов: ни одна строка, попавшая в буфер до shutdown, не теряется.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	s.log.Info("sink: started",
		zap.String("output_dir", s.cfg.OutputDir),
		zap.Duration("flush_interval", s.cfg.FlushInterval))

	for {
		select {
		case <-ctx.Done():
			// Финальная запись идёт вне отменённого контекста.
			flushErr := s.flush(context.Background())
			closeErr := s.closeAll()
			if err := errors.Join(flushErr, closeErr); err != nil {
				return err
			}
			s.log.Info("sink: shutdown complete")
			return ctx.Err()

		case <-ticker.C:
			if err := s.flush(ctx); err != nil {
				return err
			}

		case <-s.buf.Overflow():
			if err := s.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// flush переносит всё накопленное на диск и выполняет ротацию.
// Ошибка возвращается только после исчерпания повторов WriteRetry.
func (s *Sink) flush(ctx context.Context) error {
	drained := s.buf.DrainAll()
	if len(drained) > 0 {
		ctx, span := tracer.Start(ctx, "Sink.Flush",
			trace.WithAttributes(attribute.Int("keys", len(drained))))
		defer span.End()
		start := s.now()

		for _, key := range sortedKeys(drained) {
			st := s.dedupFor(key)
			kept, dropped := st.filter(key.Stream, drained[key])
			if dropped > 0 {
				metrics.RowsDedupedTotal.WithLabelValues(string(key.Stream)).Add(float64(dropped))
				s.log.Debug("sink: duplicates dropped",
					zap.String("key", key.String()),
					zap.Int("dropped", dropped))
			}
			if len(kept) == 0 {
				continue
			}
			if err := s.writeWithRetry(ctx, key, kept); err != nil {
				span.RecordError(err)
				return fmt.Errorf("sink: flush %s: %w", key, err)
			}
			st.commit(key.Stream, kept)
			metrics.RowsWrittenTotal.WithLabelValues(string(key.Stream)).Add(float64(len(kept)))
		}

		metrics.FlushesTotal.Inc()
		metrics.FlushDuration.Observe(s.now().Sub(start).Seconds())
	}

	s.rotate()
	return nil
}

// writeWithRetry пишет батч одного ключа с ограниченным backoff.
// Повтор переоткрывает файл: сломанный writer не переиспользуется.
// При частично сброшенном батче повтор может записать дубль — хвост
// оборванного gzip-member читатели отбрасывают.
func (s *Sink) writeWithRetry(ctx context.Context, key marketdata.Key, rows []marketdata.Row) error {
	return backoff.Execute(ctx, s.cfg.WriteRetry, s.log, func(context.Context) error {
		h, err := s.handleFor(key)
		if err != nil {
			metrics.WriteErrors.Inc()
			return err
		}
		if err := h.writeRows(rows); err != nil {
			metrics.WriteErrors.Inc()
			s.dropHandle(key)
			return err
		}
		return nil
	})
}

func (s *Sink) handleFor(key marketdata.Key) (*fileHandle, error) {
	if h, ok := s.files[key]; ok {
		return h, nil
	}
	h, err := openFile(s.cfg.OutputDir, key)
	if err != nil {
		return nil, err
	}
	s.files[key] = h
	metrics.OpenFiles.Set(float64(len(s.files)))
	s.log.Info("sink: file opened", zap.String("path", h.path))
	return h, nil
}

func (s *Sink) dropHandle(key marketdata.Key) {
	if h, ok := s.files[key]; ok {
		_ = h.close()
		delete(s.files, key)
		metrics.OpenFiles.Set(float64(len(s.files)))
	}
}

func (s *Sink) dedupFor(key marketdata.Key) *dedupState {
	st, ok := s.dedup[key]
	if !ok {
		st = newDedupState(s.cfg.TradeWindow, s.cfg.QuoteLWW)
		s.dedup[key] = st
	}
	return st
}

// rotate закрывает файлы, чья дата отличается от текущей в зоне
// коллектора. Запоздавшая строка прошлой даты откроет файл заново.
func (s *Sink) rotate() {
	today := s.now().In(s.cfg.Location).Format("2006-01-02")
	for key, h := range s.files {
		if key.Date == today {
			continue
		}
		if err := h.close(); err != nil {
			s.log.Error("sink: rotate close failed", zap.String("path", h.path), zap.Error(err))
		} else {
			s.log.Info("sink: file rotated", zap.String("path", h.path))
		}
		delete(s.files, key)
		delete(s.dedup, key)
		metrics.FilesRotatedTotal.Inc()
	}
	metrics.OpenFiles.Set(float64(len(s.files)))
}

func (s *Sink) closeAll() error {
	var errs []error
	for key, h := range s.files {
		if err := h.close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.files, key)
	}
	metrics.OpenFiles.Set(0)
	return errors.Join(errs...)
}

func sortedKeys(m map[marketdata.Key][]marketdata.Row) []marketdata.Key {
	keys := make([]marketdata.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Stream < b.Stream
	})
	return keys
}
