// internal/parser/trade.go
package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quant-research/md-collector/internal/marketdata"
	"github.com/quant-research/md-collector/internal/metrics"
	"github.com/quant-research/md-collector/pkg/bybit"
	"github.com/quant-research/md-collector/pkg/logger"
)

// handleTrade выдаёт по одной строке на каждую сделку кадра.
// Кадр может нести несколько сделок; битая запись пропускается,
// остальные записи кадра сохраняются.
func (p *parserImpl) handleTrade(ctx context.Context, f *bybit.Frame) int {
	var entries []struct {
		T    int64  `json:"T"` // время сделки, ms
		Sym  string `json:"s"` // символ
		Side string `json:"S"` // "Buy" | "Sell"
		V    string `json:"v"` // объём
		P    string `json:"p"` // цена
		I    string `json:"i"` // trade id
	}
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		p.warnMalformed(ctx, "trade", f, err)
		return 0
	}

	symbol := f.Symbol()
	if symbol != "" {
		ctx = logger.ContextWithSymbol(ctx, symbol)
	}
	eventTS := f.TSMicro()
	n := 0

	for _, e := range entries {
		side, err := normalizeSide(e.Side)
		if err == nil && e.I == "" {
			err = fmt.Errorf("empty trade id")
		}
		var price, amount decimal.Decimal
		if err == nil {
			price, err = decimal.NewFromString(e.P)
		}
		if err == nil {
			amount, err = decimal.NewFromString(e.V)
		}
		if err != nil {
			metrics.ParseErrors.Inc()
			p.log.WithContext(ctx).Warn("malformed trade entry skipped",
				zap.String("trade_id", e.I),
				zap.Error(err))
			continue
		}

		sym := symbol
		if sym == "" {
			sym = e.Sym
		}
		row := &marketdata.TradeRow{
			Symbol:  sym,
			TS:      e.T * 1000,
			EventTS: eventTS,
			LocalTS: f.LocalTS,
			TradeID: e.I,
			Side:    side,
			Price:   price,
			Amount:  amount,
		}
		key := marketdata.NewKey(sym, marketdata.StreamTrades, f.LocalTS, p.loc)
		p.out.Append(key, row)
		n++
	}

	if n > 0 {
		metrics.RowsParsedTotal.WithLabelValues(string(marketdata.StreamTrades)).Add(float64(n))
	}
	return n
}

func normalizeSide(s string) (string, error) {
	switch strings.ToLower(s) {
	case "buy":
		return "buy", nil
	case "sell":
		return "sell", nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}
