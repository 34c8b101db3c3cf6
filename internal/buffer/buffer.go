// internal/buffer/buffer.go
package buffer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quant-research/md-collector/internal/marketdata"
	"github.com/quant-research/md-collector/internal/metrics"
	"github.com/quant-research/md-collector/pkg/logger"
)

// DefaultMaxRows — порог раннего сброса, если он не задан в конфиге.
const DefaultMaxRows = 50000

// Buffer накапливает строки между сбросами, сгруппированные по ключу файла.
//
// Append никогда не блокируется и никогда не теряет строки: при достижении
// порога буфер лишь сигналит sink'у о необходимости внеочередного сброса.
type Buffer struct {
	mu      sync.Mutex
	pending map[marketdata.Key][]marketdata.Row
	total   int

	maxRows  int
	overflow chan struct{}
	log      *logger.Logger
}

// New создаёт Buffer с порогом maxRows (<=0 → DefaultMaxRows).
func New(maxRows int, log *logger.Logger) *Buffer {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Buffer{
		pending:  make(map[marketdata.Key][]marketdata.Row),
		maxRows:  maxRows,
		overflow: make(chan struct{}, 1),
		log:      log.Named("buffer"),
	}
}

// Append добавляет строку. Порядок добавления внутри ключа сохраняется.
func (b *Buffer) Append(key marketdata.Key, row marketdata.Row) {
	b.mu.Lock()
	b.pending[key] = append(b.pending[key], row)
	b.total++
	full := b.total >= b.maxRows
	total := b.total
	b.mu.Unlock()

	metrics.BufferRows.Set(float64(total))

	if full {
		select {
		case b.overflow <- struct{}{}:
			metrics.BufferOverflows.Inc()
			b.log.Warn("buffer threshold reached, requesting early flush",
				zap.Int("rows", total),
				zap.Int("max_rows", b.maxRows))
		default:
			// сигнал уже в очереди
		}
	}
}

// DrainAll возвращает всё накопленное и очищает буфер.
// Срезы отдаются без копирования: буфер к ним больше не прикасается.
func (b *Buffer) DrainAll() map[marketdata.Key][]marketdata.Row {
	b.mu.Lock()
	drained := b.pending
	b.pending = make(map[marketdata.Key][]marketdata.Row)
	b.total = 0
	b.mu.Unlock()

	metrics.BufferRows.Set(0)
	return drained
}

// Len возвращает текущее число строк в буфере.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Overflow — канал сигналов о достижении порога (ёмкость 1).
func (b *Buffer) Overflow() <-chan struct{} {
	return b.overflow
}
