// internal/marketdata/rows.go
package marketdata

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Venue — идентификатор площадки; первый столбец каждой строки
// и корневой каталог партиционирования.
const Venue = "bybit-linear"

// Stream разделяет типы рыночных данных внутри партиции символа.
type Stream string

const (
	StreamQuotes Stream = "quotes"
	StreamTrades Stream = "trades"
)

// -----------------------------------------------------------------------------
// CSV schema
// -----------------------------------------------------------------------------

// Column order is fixed: downstream research tooling reads these files
// positionally. All timestamps are in microseconds.

var quoteColumns = []string{
	"exchange", "symbol", "timestamp", "event_timestamp", "local_timestamp",
	"is_snapshot", "ask_amount", "ask_price", "bid_price", "bid_amount",
}

var tradeColumns = []string{
	"exchange", "symbol", "timestamp", "event_timestamp", "local_timestamp",
	"trade_id", "side", "price", "amount",
}

// Columns returns the CSV header for the given stream.
func Columns(s Stream) []string {
	if s == StreamQuotes {
		return quoteColumns
	}
	return tradeColumns
}

// -----------------------------------------------------------------------------
// Rows
// -----------------------------------------------------------------------------

// Row — одна готовая к записи CSV-строка.
type Row interface {
	// Record renders the row in its stream's column order.
	Record() []string
	// ExchangeTS returns the venue timestamp in microseconds.
	ExchangeTS() int64
}

// QuoteRow is a top-of-book snapshot: best bid and best ask at one moment.
type QuoteRow struct {
	Symbol     string // venue spelling, e.g. "BTCUSDT"
	TS         int64  // venue match/cts timestamp, µs
	EventTS    int64  // venue message ts, µs
	LocalTS    int64  // local receive time, µs
	IsSnapshot bool
	AskAmount  decimal.Decimal
	AskPrice   decimal.Decimal
	BidPrice   decimal.Decimal
	BidAmount  decimal.Decimal
}

func (r *QuoteRow) Record() []string {
	return []string{
		Venue,
		r.Symbol,
		strconv.FormatInt(r.TS, 10),
		strconv.FormatInt(r.EventTS, 10),
		strconv.FormatInt(r.LocalTS, 10),
		strconv.FormatBool(r.IsSnapshot),
		venueString(r.AskAmount),
		venueString(r.AskPrice),
		venueString(r.BidPrice),
		venueString(r.BidAmount),
	}
}

func (r *QuoteRow) ExchangeTS() int64 { return r.TS }

// TradeRow is a single public trade print.
type TradeRow struct {
	Symbol  string
	TS      int64 // venue trade timestamp, µs
	EventTS int64 // venue message ts, µs
	LocalTS int64 // local receive time, µs
	TradeID string
	Side    string // "buy" | "sell"
	Price   decimal.Decimal
	Amount  decimal.Decimal
}

func (r *TradeRow) Record() []string {
	return []string{
		Venue,
		r.Symbol,
		strconv.FormatInt(r.TS, 10),
		strconv.FormatInt(r.EventTS, 10),
		strconv.FormatInt(r.LocalTS, 10),
		r.TradeID,
		r.Side,
		venueString(r.Price),
		venueString(r.Amount),
	}
}

func (r *TradeRow) ExchangeTS() int64 { return r.TS }

// venueString рендерит число в исходном масштабе площадки: хвостовые
// нули не обрезаются ("42000.50" остаётся "42000.50"). Масштаб
// сохраняется, потому что значения проходят без арифметики.
func venueString(d decimal.Decimal) string {
	if e := d.Exponent(); e < 0 {
		return d.StringFixed(-e)
	}
	return d.String()
}

// -----------------------------------------------------------------------------
// Partition key
// -----------------------------------------------------------------------------

// Key адресует один файл на диске: (дата, символ, поток).
// Дата берётся из ЛОКАЛЬНОГО времени приёма строки, не из биржевого.
type Key struct {
	Symbol string // lowercase, e.g. "btcusdt"
	Stream Stream
	Date   string // "YYYY-MM-DD"
}

// NewKey derives the partition key for a row received at localTS (µs).
func NewKey(symbol string, stream Stream, localTS int64, loc *time.Location) Key {
	return Key{
		Symbol: strings.ToLower(symbol),
		Stream: stream,
		Date:   DateOf(localTS, loc),
	}
}

// RelPath returns the file path relative to the output directory:
// {venue}/{date}/{symbol}/{stream}.gz
func (k Key) RelPath() string {
	return filepath.Join(Venue, k.Date, k.Symbol, string(k.Stream)+".gz")
}

func (k Key) String() string {
	return k.Date + "/" + k.Symbol + "/" + string(k.Stream)
}

// DateOf форматирует µs-метку в календарную дату в заданной зоне.
func DateOf(microTS int64, loc *time.Location) string {
	return time.UnixMicro(microTS).In(loc).Format("2006-01-02")
}
