// internal/parser/quote.go
package parser

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quant-research/md-collector/internal/marketdata"
	"github.com/quant-research/md-collector/internal/metrics"
	"github.com/quant-research/md-collector/pkg/bybit"
	"github.com/quant-research/md-collector/pkg/logger"
)

// bookState — лучшие bid/ask одного символа между кадрами.
type bookState struct {
	bidPrice decimal.Decimal
	bidSize  decimal.Decimal
	askPrice decimal.Decimal
	askSize  decimal.Decimal
	haveBid  bool
	haveAsk  bool
	lastTS   int64 // µs последней выданной котировки
}

func (st *bookState) reset() {
	st.haveBid = false
	st.haveAsk = false
}

// handleOrderbook применяет snapshot/delta к состоянию книги и выдаёт
// не более одной строки котировки.
func (p *parserImpl) handleOrderbook(ctx context.Context, f *bybit.Frame) int {
	var payload struct {
		Symbol string     `json:"s"`   // символ
		Bids   [][]string `json:"b"`   // [[price, size]], пустой массив — сторона не менялась
		Asks   [][]string `json:"a"`   //
		Update int64      `json:"u"`   // update id
		Seq    int64      `json:"seq"` // cross-sequence
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		p.warnMalformed(ctx, "orderbook", f, err)
		return 0
	}

	symbol := f.Symbol()
	if symbol == "" {
		symbol = payload.Symbol
	}
	ctx = logger.ContextWithSymbol(ctx, symbol)

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.book(symbol)
	ts := f.CTSMicro()
	if ts < st.lastTS {
		// Опоздавший кадр не применяется к книге и не переупорядочивается:
		// его данные старее уже применённых.
		metrics.DroppedRows.WithLabelValues("out_of_order").Inc()
		p.log.WithContext(ctx).Warn("out-of-order frame dropped",
			zap.Int64("ts", ts),
			zap.Int64("last_ts", st.lastTS))
		return 0
	}

	if f.Type == "snapshot" {
		st.reset()
	}
	p.applySide(ctx, st, payload.Bids, true)
	p.applySide(ctx, st, payload.Asks, false)
	st.lastTS = ts

	if !st.haveBid || !st.haveAsk {
		metrics.DroppedRows.WithLabelValues("incomplete_book").Inc()
		p.log.WithContext(ctx).Debug("book side missing, no quote",
			zap.Bool("have_bid", st.haveBid),
			zap.Bool("have_ask", st.haveAsk))
		return 0
	}
	if st.bidPrice.GreaterThan(st.askPrice) {
		metrics.DroppedRows.WithLabelValues("crossed").Inc()
		p.log.WithContext(ctx).Warn("crossed book, quote dropped",
			zap.String("bid", st.bidPrice.String()),
			zap.String("ask", st.askPrice.String()))
		return 0
	}

	row := &marketdata.QuoteRow{
		Symbol:     symbol,
		TS:         ts,
		EventTS:    f.TSMicro(),
		LocalTS:    f.LocalTS,
		IsSnapshot: f.Type == "snapshot",
		AskAmount:  st.askSize,
		AskPrice:   st.askPrice,
		BidPrice:   st.bidPrice,
		BidAmount:  st.bidSize,
	}
	key := marketdata.NewKey(symbol, marketdata.StreamQuotes, f.LocalTS, p.loc)
	p.out.Append(key, row)
	metrics.RowsParsedTotal.WithLabelValues(string(marketdata.StreamQuotes)).Inc()
	return 1
}

// applySide накладывает уровни одной стороны. Для orderbook.1 уровень
// максимум один: size "0" означает, что сторона опустела.
func (p *parserImpl) applySide(ctx context.Context, st *bookState, levels [][]string, bid bool) {
	for _, lvl := range levels {
		if len(lvl) < 2 {
			p.log.WithContext(ctx).Debug("skipped malformed level", zap.Strings("level", lvl))
			continue
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			p.log.WithContext(ctx).Debug("skipped malformed level", zap.Strings("level", lvl), zap.Error(err))
			continue
		}
		size, err := decimal.NewFromString(lvl[1])
		if err != nil {
			p.log.WithContext(ctx).Debug("skipped malformed level", zap.Strings("level", lvl), zap.Error(err))
			continue
		}

		if bid {
			if size.IsZero() {
				st.haveBid = false
				continue
			}
			st.bidPrice, st.bidSize, st.haveBid = price, size, true
		} else {
			if size.IsZero() {
				st.haveAsk = false
				continue
			}
			st.askPrice, st.askSize, st.haveAsk = price, size, true
		}
	}
}
