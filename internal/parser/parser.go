// internal/parser/parser.go
package parser

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/quant-research/md-collector/internal/metrics"
	"github.com/quant-research/md-collector/pkg/bybit"
	"github.com/quant-research/md-collector/pkg/logger"
)

var tracer = otel.Tracer("collector/parser")

// parserImpl — приватная реализация Parser.
//
// Держит top-of-book состояние по каждому символу: дельта стакана
// затрагивает только изменившуюся сторону, строка котировки строится
// из лучших bid/ask ПОСЛЕ применения обновления.
type parserImpl struct {
	out RowWriter
	loc *time.Location
	log *logger.Logger

	mu    sync.Mutex
	books map[string]*bookState
}

// New создаёт Parser. loc задаёт зону партиционирования по датам.
func New(out RowWriter, loc *time.Location, log *logger.Logger) Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &parserImpl{
		out:   out,
		loc:   loc,
		log:   log.Named("parser"),
		books: make(map[string]*bookState),
	}
}

// Process маршрутизирует кадр по типу топика.
func (p *parserImpl) Process(ctx context.Context, f *bybit.Frame) int {
	kind := f.Kind()
	ctx, span := tracer.Start(ctx, "Process",
		trace.WithAttributes(attribute.String("frame.kind", kind.String())))
	defer span.End()

	switch kind {
	case bybit.KindOrderbook:
		return p.handleOrderbook(ctx, f)
	case bybit.KindTrade:
		return p.handleTrade(ctx, f)
	default:
		p.log.WithContext(ctx).Debug("unsupported frame, skipping",
			zap.String("kind", kind.String()),
			zap.String("topic", f.Topic))
		return 0
	}
}

func (p *parserImpl) book(symbol string) *bookState {
	st, ok := p.books[symbol]
	if !ok {
		st = &bookState{}
		p.books[symbol] = st
	}
	return st
}

func (p *parserImpl) warnMalformed(ctx context.Context, what string, f *bybit.Frame, err error) {
	metrics.ParseErrors.Inc()
	p.log.WithContext(ctx).Warn("malformed payload, frame dropped",
		zap.String("what", what),
		zap.String("topic", f.Topic),
		zap.Error(err))
}
