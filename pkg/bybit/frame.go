// pkg/bybit/frame.go
package bybit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameKind классифицирует входящий кадр по топику/op.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindOrderbook
	KindTrade
	KindAck  // ответ на subscribe/unsubscribe
	KindPong // ответ на app-level ping
)

func (k FrameKind) String() string {
	switch k {
	case KindOrderbook:
		return "orderbook"
	case KindTrade:
		return "trade"
	case KindAck:
		return "ack"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Frame — разобранный конверт одного WebSocket-сообщения V5.
// Data остаётся сырым JSON: его разбирает парсер конкретного потока.
type Frame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"` // "snapshot" | "delta" для orderbook
	TS      int64           `json:"ts"`   // venue ts, миллисекунды
	CTS     int64           `json:"cts"`  // matching-engine ts, миллисекунды
	Op      string          `json:"op"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg"`
	ConnID  string          `json:"conn_id"`
	ReqID   string          `json:"req_id"`
	Data    json.RawMessage `json:"data"`

	// LocalTS — локальное время приёма, микросекунды. Заполняется при чтении.
	LocalTS int64 `json:"-"`
}

// ErrMalformedFrame — конверт кадра не разобрался. Вызывающий
// пропускает такой кадр и читает дальше: один битый кадр не повод
// переустанавливать соединение.
var ErrMalformedFrame = errors.New("bybit: malformed frame")

// ParseFrame разбирает конверт кадра. localTS — момент приёма в µs.
func ParseFrame(raw []byte, localTS int64) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f.LocalTS = localTS
	return &f, nil
}

// Kind определяет тип кадра.
func (f *Frame) Kind() FrameKind {
	switch {
	case strings.HasPrefix(f.Topic, "orderbook."):
		return KindOrderbook
	case strings.HasPrefix(f.Topic, "publicTrade."):
		return KindTrade
	case f.Op == "pong" || f.RetMsg == "pong":
		return KindPong
	case f.Success != nil:
		return KindAck
	default:
		return KindUnknown
	}
}

// Symbol возвращает символ из топика (пусто для служебных кадров).
func (f *Frame) Symbol() string { return TopicSymbol(f.Topic) }

// AckOK reports whether the frame is a successful subscribe/unsubscribe ack.
func (f *Frame) AckOK() bool { return f.Success != nil && *f.Success }

// TSMicro returns the message ts in microseconds.
func (f *Frame) TSMicro() int64 { return f.TS * 1000 }

// CTSMicro возвращает метку matching engine в µs; при её отсутствии — ts.
func (f *Frame) CTSMicro() int64 {
	if f.CTS > 0 {
		return f.CTS * 1000
	}
	return f.TS * 1000
}
