// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// FramesTotal — число принятых WebSocket-кадров по типам.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "ws",
		Name:      "frames_total",
		Help:      "Total number of frames received from WebSocket, by kind",
	}, []string{"kind"})

	// ConnectsTotal — попытки установить соединение по статусу (ok|error).
	ConnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "ws",
		Name:      "connects_total",
		Help:      "Total WebSocket connection attempts, by status",
	}, []string{"status"})

	// ReconnectsTotal — число переподключений после потери соединения.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "ws",
		Name:      "reconnects_total",
		Help:      "Total reconnect cycles after a lost connection",
	})

	// ReadErrors — ошибки чтения кадров (включая idle timeout).
	ReadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "ws",
		Name:      "read_errors_total",
		Help:      "Total WebSocket read errors",
	})

	// RowsParsedTotal — строки, разобранные из кадров, по потокам.
	RowsParsedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "parser",
		Name:      "rows_total",
		Help:      "Total rows parsed from frames, by stream",
	}, []string{"stream"})

	// ParseErrors — кадры с некорректным payload, пропущенные парсером.
	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "parser",
		Name:      "errors_total",
		Help:      "Total malformed payloads skipped by the parser",
	})

	// DroppedRows — строки, отброшенные парсером по причинам (out_of_order|crossed|incomplete_book).
	DroppedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "parser",
		Name:      "dropped_rows_total",
		Help:      "Rows dropped before buffering, by reason",
	}, []string{"reason"})

	// BufferRows — текущее число строк в буфере.
	BufferRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collector",
		Subsystem: "buffer",
		Name:      "rows",
		Help:      "Rows currently held in the in-memory buffer",
	})

	// BufferOverflows — ранние сбросы из-за переполнения буфера.
	BufferOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "buffer",
		Name:      "overflows_total",
		Help:      "Early flushes triggered by the buffer size threshold",
	})

	// RowsWrittenTotal — строки, записанные на диск, по потокам.
	RowsWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "sink",
		Name:      "rows_written_total",
		Help:      "Total rows written to disk, by stream",
	}, []string{"stream"})

	// RowsDedupedTotal — строки, отброшенные дедупликацией в sink.
	RowsDedupedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "sink",
		Name:      "rows_deduped_total",
		Help:      "Total duplicate rows dropped by the sink, by stream",
	}, []string{"stream"})

	// FlushesTotal — выполненные сбросы буфера на диск.
	FlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "sink",
		Name:      "flushes_total",
		Help:      "Total buffer flushes to disk",
	})

	// FlushDuration — длительность одного сброса.
	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collector",
		Subsystem: "sink",
		Name:      "flush_duration_seconds",
		Help:      "Duration of a single flush to disk (seconds)",
		Buckets:   prometheus.DefBuckets,
	})

	// WriteErrors — ошибки записи на диск.
	WriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "sink",
		Name:      "write_errors_total",
		Help:      "Total filesystem write errors",
	})

	// OpenFiles — открытые gzip-файлы.
	OpenFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collector",
		Subsystem: "sink",
		Name:      "open_files",
		Help:      "Currently open output files",
	})

	// FilesRotatedTotal — файлы, закрытые ротацией по дате.
	FilesRotatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "sink",
		Name:      "files_rotated_total",
		Help:      "Files closed by the daily rotation",
	})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			FramesTotal,
			ConnectsTotal,
			ReconnectsTotal,
			ReadErrors,
			RowsParsedTotal,
			ParseErrors,
			DroppedRows,
			BufferRows,
			BufferOverflows,
			RowsWrittenTotal,
			RowsDedupedTotal,
			FlushesTotal,
			FlushDuration,
			WriteErrors,
			OpenFiles,
			FilesRotatedTotal,
		)
	})
}
