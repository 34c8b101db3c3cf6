// internal/sink/dedup.go
package sink

import (
	"math"

	"github.com/quant-research/md-collector/internal/marketdata"
)

// Дедупликация живёт в sink: reconnect может повторно доставить
// последние кадры, и файл — последняя линия, где дубль ещё не записан.
//
// Сделки: по trade id в скользящем окне последних записанных id.
// Котировки: по биржевой метке, last-write-wins внутри батча; метка,
// уже ушедшая на диск, повторно не записывается (append-only формат).

// dedupState — состояние одного ключа (символ, поток, дата).
type dedupState struct {
	window *tradeWindow // nil → дедупликация сделок выключена
	lwwOn  bool
	lastTS int64 // максимальная записанная метка котировки, µs
}

func newDedupState(tradeWindowSize int, quoteLWW bool) *dedupState {
	st := &dedupState{lwwOn: quoteLWW, lastTS: math.MinInt64}
	if tradeWindowSize > 0 {
		st.window = newTradeWindow(tradeWindowSize)
	}
	return st
}

// filter возвращает строки к записи, отбросив дубли. Состояние не
// меняется: записанное фиксирует commit после успешной записи.
func (st *dedupState) filter(stream marketdata.Stream, rows []marketdata.Row) (kept []marketdata.Row, dropped int) {
	switch stream {
	case marketdata.StreamTrades:
		if st.window == nil {
			return rows, 0
		}
		return st.filterTrades(rows)
	case marketdata.StreamQuotes:
		if !st.lwwOn {
			return rows, 0
		}
		return st.filterQuotes(rows)
	default:
		return rows, 0
	}
}

func (st *dedupState) filterTrades(rows []marketdata.Row) ([]marketdata.Row, int) {
	kept := rows[:0:0]
	inBatch := make(map[string]struct{}, len(rows))
	dropped := 0
	for _, r := range rows {
		id := r.(*marketdata.TradeRow).TradeID
		if _, dup := inBatch[id]; dup || st.window.seen(id) {
			dropped++
			continue
		}
		inBatch[id] = struct{}{}
		kept = append(kept, r)
	}
	return kept, dropped
}

func (st *dedupState) filterQuotes(rows []marketdata.Row) ([]marketdata.Row, int) {
	kept := rows[:0:0]
	dropped := 0
	for _, r := range rows {
		ts := r.ExchangeTS()
		if ts <= st.lastTS {
			// Метка уже на диске: строку не переписать, дубль отбрасывается.
			dropped++
			continue
		}
		if n := len(kept); n > 0 && kept[n-1].ExchangeTS() == ts {
			kept[n-1] = r // last-write-wins внутри батча
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}

// commit фиксирует успешно записанные строки.
func (st *dedupState) commit(stream marketdata.Stream, rows []marketdata.Row) {
	switch stream {
	case marketdata.StreamTrades:
		if st.window == nil {
			return
		}
		for _, r := range rows {
			st.window.add(r.(*marketdata.TradeRow).TradeID)
		}
	case marketdata.StreamQuotes:
		for _, r := range rows {
			if ts := r.ExchangeTS(); ts > st.lastTS {
				st.lastTS = ts
			}
		}
	}
}

// tradeWindow — ограниченное множество последних trade id c FIFO-вытеснением.
type tradeWindow struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newTradeWindow(size int) *tradeWindow {
	return &tradeWindow{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

func (w *tradeWindow) seen(id string) bool {
	_, ok := w.ids[id]
	return ok
}

func (w *tradeWindow) add(id string) {
	if _, ok := w.ids[id]; ok {
		return
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.ids, old)
	}
	w.ring[w.next] = id
	w.ids[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
}
