// internal/parser/parser_test.go
package parser

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/quant-research/md-collector/internal/marketdata"
	"github.com/quant-research/md-collector/pkg/bybit"
	"github.com/quant-research/md-collector/pkg/logger"
)

type captureWriter struct {
	keys []marketdata.Key
	rows []marketdata.Row
}

func (c *captureWriter) Append(k marketdata.Key, r marketdata.Row) {
	c.keys = append(c.keys, k)
	c.rows = append(c.rows, r)
}

var testLocalTS = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).UnixMicro()

func newTestParser(t *testing.T) (*captureWriter, Parser) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	out := &captureWriter{}
	return out, New(out, time.UTC, log)
}

func orderbookFrame(typ string, ts, cts int64, data string) *bybit.Frame {
	return &bybit.Frame{
		Topic:   "orderbook.1.BTCUSDT",
		Type:    typ,
		TS:      ts,
		CTS:     cts,
		Data:    json.RawMessage(data),
		LocalTS: testLocalTS,
	}
}

func tradeFrame(ts int64, data string) *bybit.Frame {
	return &bybit.Frame{
		Topic:   "publicTrade.BTCUSDT",
		TS:      ts,
		Data:    json.RawMessage(data),
		LocalTS: testLocalTS,
	}
}

func TestOrderbook_SnapshotProducesQuote(t *testing.T) {
	out, p := newTestParser(t)

	n := p.Process(context.Background(), orderbookFrame("snapshot", 1700000000123, 1700000000120,
		`{"s":"BTCUSDT","b":[["42000.00","1.5"]],"a":[["42000.50","2.0"]],"u":1,"seq":10}`))
	if n != 1 {
		t.Fatalf("Process returned %d rows, want 1", n)
	}

	q, ok := out.rows[0].(*marketdata.QuoteRow)
	if !ok {
		t.Fatalf("expected QuoteRow, got %T", out.rows[0])
	}
	if !q.IsSnapshot {
		t.Error("IsSnapshot = false, want true")
	}
	if q.TS != 1700000000120000 {
		t.Errorf("TS = %d, want cts in µs", q.TS)
	}
	if q.EventTS != 1700000000123000 {
		t.Errorf("EventTS = %d, want ts in µs", q.EventTS)
	}
	if q.BidPrice.GreaterThan(q.AskPrice) {
		t.Errorf("crossed quote emitted: bid=%s ask=%s", q.BidPrice, q.AskPrice)
	}
	if got := out.keys[0]; got.Symbol != "btcusdt" || got.Stream != marketdata.StreamQuotes || got.Date != "2024-01-01" {
		t.Errorf("unexpected key: %+v", got)
	}
}

func TestOrderbook_DeltaKeepsOtherSide(t *testing.T) {
	out, p := newTestParser(t)
	ctx := context.Background()

	p.Process(ctx, orderbookFrame("snapshot", 1000, 1000,
		`{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","2"]]}`))
	// Дельта меняет только bid; ask берётся из состояния книги.
	n := p.Process(ctx, orderbookFrame("delta", 2000, 2000,
		`{"s":"BTCUSDT","b":[["100.5","3"]],"a":[]}`))
	if n != 1 {
		t.Fatalf("delta produced %d rows, want 1", n)
	}

	q := out.rows[1].(*marketdata.QuoteRow)
	if q.BidPrice.String() != "100.5" || q.BidAmount.String() != "3" {
		t.Errorf("bid not updated: %s @ %s", q.BidAmount, q.BidPrice)
	}
	if q.AskPrice.String() != "101" || q.AskAmount.String() != "2" {
		t.Errorf("ask not retained: %s @ %s", q.AskAmount, q.AskPrice)
	}
	if q.IsSnapshot {
		t.Error("delta row marked as snapshot")
	}
}

func TestOrderbook_ZeroSizeClearsSide(t *testing.T) {
	out, p := newTestParser(t)
	ctx := context.Background()

	p.Process(ctx, orderbookFrame("snapshot", 1000, 1000,
		`{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","2"]]}`))
	// Размер 0 удаляет уровень: сторона неизвестна, котировки нет.
	n := p.Process(ctx, orderbookFrame("delta", 2000, 2000,
		`{"s":"BTCUSDT","b":[],"a":[["101","0"]]}`))
	if n != 0 {
		t.Fatalf("one-sided book produced %d rows, want 0", n)
	}
	// Новый уровень ask восстанавливает полную книгу.
	n = p.Process(ctx, orderbookFrame("delta", 3000, 3000,
		`{"s":"BTCUSDT","b":[],"a":[["102","5"]]}`))
	if n != 1 {
		t.Fatalf("restored book produced %d rows, want 1", n)
	}
	q := out.rows[len(out.rows)-1].(*marketdata.QuoteRow)
	if q.AskPrice.String() != "102" {
		t.Errorf("ask = %s, want 102", q.AskPrice)
	}
}

func TestOrderbook_CrossedBookDropped(t *testing.T) {
	_, p := newTestParser(t)
	n := p.Process(context.Background(), orderbookFrame("snapshot", 1000, 1000,
		`{"s":"BTCUSDT","b":[["105","1"]],"a":[["101","2"]]}`))
	if n != 0 {
		t.Fatalf("crossed book produced %d rows, want 0", n)
	}
}

func TestOrderbook_OutOfOrderDropped(t *testing.T) {
	out, p := newTestParser(t)
	ctx := context.Background()

	p.Process(ctx, orderbookFrame("snapshot", 5000, 5000,
		`{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","2"]]}`))
	// Строго более старый cts отбрасывается и книгу не трогает.
	n := p.Process(ctx, orderbookFrame("delta", 4000, 4000,
		`{"s":"BTCUSDT","b":[["99","1"]],"a":[]}`))
	if n != 0 {
		t.Fatalf("stale frame produced %d rows, want 0", n)
	}
	// Равный cts допустим (дедупликация — забота sink).
	n = p.Process(ctx, orderbookFrame("delta", 5000, 5000,
		`{"s":"BTCUSDT","b":[["100.1","1"]],"a":[]}`))
	if n != 1 {
		t.Fatalf("equal-ts frame produced %d rows, want 1", n)
	}
	if len(out.rows) != 2 {
		t.Fatalf("rows buffered: %d, want 2", len(out.rows))
	}
	q := out.rows[1].(*marketdata.QuoteRow)
	if q.BidPrice.String() != "100.1" {
		t.Errorf("bid = %s, want 100.1 (stale delta must not apply)", q.BidPrice)
	}
}

func TestOrderbook_MalformedPayload(t *testing.T) {
	_, p := newTestParser(t)
	if n := p.Process(context.Background(), orderbookFrame("snapshot", 1000, 1000, `{broken`)); n != 0 {
		t.Fatalf("malformed payload produced %d rows", n)
	}
}

func TestTrade_BatchProducesRowPerEntry(t *testing.T) {
	out, p := newTestParser(t)

	n := p.Process(context.Background(), tradeFrame(1700000000123, `[
		{"T":1700000000100,"s":"BTCUSDT","S":"Buy","v":"0.01","p":"42000.5","i":"t-1"},
		{"T":1700000000105,"s":"BTCUSDT","S":"Sell","v":"0.02","p":"42000.0","i":"t-2"},
		{"T":1700000000110,"s":"BTCUSDT","S":"Buy","v":"1","p":"42001.0","i":"t-3"}
	]`))
	if n != 3 {
		t.Fatalf("Process returned %d rows, want 3", n)
	}

	seen := map[string]bool{}
	for i, r := range out.rows {
		tr, ok := r.(*marketdata.TradeRow)
		if !ok {
			t.Fatalf("row %d: expected TradeRow, got %T", i, r)
		}
		if seen[tr.TradeID] {
			t.Errorf("duplicate trade id %q", tr.TradeID)
		}
		seen[tr.TradeID] = true
		if tr.Side != "buy" && tr.Side != "sell" {
			t.Errorf("row %d: unnormalized side %q", i, tr.Side)
		}
		if tr.EventTS != 1700000000123000 {
			t.Errorf("row %d: EventTS = %d", i, tr.EventTS)
		}
	}

	first := out.rows[0].(*marketdata.TradeRow)
	if first.TS != 1700000000100000 {
		t.Errorf("trade TS = %d, want T in µs", first.TS)
	}
	if out.keys[0].Stream != marketdata.StreamTrades {
		t.Errorf("key stream = %q", out.keys[0].Stream)
	}
}

func TestTrade_MalformedEntrySkipped(t *testing.T) {
	out, p := newTestParser(t)

	n := p.Process(context.Background(), tradeFrame(1700000000123, `[
		{"T":1,"s":"BTCUSDT","S":"Buy","v":"0.01","p":"42000.5","i":"ok-1"},
		{"T":2,"s":"BTCUSDT","S":"Hold","v":"0.02","p":"42000.0","i":"bad-side"},
		{"T":3,"s":"BTCUSDT","S":"Sell","v":"not-a-number","p":"42000.0","i":"bad-amount"},
		{"T":4,"s":"BTCUSDT","S":"Sell","v":"0.5","p":"42002","i":"ok-2"}
	]`))
	if n != 2 {
		t.Fatalf("Process returned %d rows, want 2 (malformed entries skipped)", n)
	}
	for _, r := range out.rows {
		id := r.(*marketdata.TradeRow).TradeID
		if id != "ok-1" && id != "ok-2" {
			t.Errorf("unexpected surviving trade id %q", id)
		}
	}
}

func TestProcess_ServiceFramesIgnored(t *testing.T) {
	_, p := newTestParser(t)
	ok := true
	ack := &bybit.Frame{Op: "subscribe", Success: &ok, LocalTS: testLocalTS}
	if n := p.Process(context.Background(), ack); n != 0 {
		t.Fatalf("ack frame produced %d rows", n)
	}
}
