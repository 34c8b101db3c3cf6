// pkg/bybit/ws_test.go
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quant-research/md-collector/pkg/logger"
)

// Проверяем ApplyDefaults и Validate на разных комбинациях.
func TestConfigDefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name     string
		input    Config
		wantErr  bool
		wantIdle time.Duration
		wantPing time.Duration
	}{
		{"empty gets defaults", Config{}, false, 60 * time.Second, 20 * time.Second},
		{"custom", Config{URL: "ws://foo", IdleTimeout: 90 * time.Second, PingInterval: 30 * time.Second}, false, 90 * time.Second, 30 * time.Second},
		{"ping above idle", Config{URL: "ws://foo", IdleTimeout: 10 * time.Second, PingInterval: 20 * time.Second}, true, 10 * time.Second, 20 * time.Second},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.input
			cfg.ApplyDefaults()
			if got := cfg.IdleTimeout; got != c.wantIdle {
				t.Errorf("IdleTimeout = %v; want %v", got, c.wantIdle)
			}
			if got := cfg.PingInterval; got != c.wantPing {
				t.Errorf("PingInterval = %v; want %v", got, c.wantPing)
			}
			err := cfg.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v; wantErr %v", err, c.wantErr)
			}
			if cfg.URL == "" {
				t.Error("ApplyDefaults left URL empty")
			}
		})
	}
}

func TestTopics(t *testing.T) {
	if got := TopicOrderbook("btcusdt"); got != "orderbook.1.BTCUSDT" {
		t.Errorf("TopicOrderbook = %q", got)
	}
	if got := TopicTrade("ethusdt"); got != "publicTrade.ETHUSDT" {
		t.Errorf("TopicTrade = %q", got)
	}
	if got := TopicSymbol("orderbook.1.BTCUSDT"); got != "BTCUSDT" {
		t.Errorf("TopicSymbol = %q", got)
	}
}

func TestParseFrame_Kinds(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want FrameKind
	}{
		{"orderbook", `{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{}}`, KindOrderbook},
		{"trade", `{"topic":"publicTrade.BTCUSDT","ts":1700000000000,"data":[]}`, KindTrade},
		{"ack", `{"success":true,"ret_msg":"","conn_id":"c1","req_id":"sub-1","op":"subscribe"}`, KindAck},
		{"pong public", `{"success":true,"ret_msg":"pong","conn_id":"c1","op":"ping"}`, KindPong},
		{"pong private", `{"op":"pong","args":["1700000000000"]}`, KindPong},
		{"unknown", `{"op":"whatever"}`, KindUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(c.raw), 42)
			if err != nil {
				t.Fatalf("ParseFrame: %v", err)
			}
			if got := f.Kind(); got != c.want {
				t.Errorf("Kind = %v; want %v", got, c.want)
			}
			if f.LocalTS != 42 {
				t.Errorf("LocalTS = %d; want 42", f.LocalTS)
			}
		})
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	_, err := ParseFrame([]byte(`{not json`), 1)
	if err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("error = %v; want ErrMalformedFrame in chain", err)
	}
}

func TestFrame_Timestamps(t *testing.T) {
	f := &Frame{TS: 1700000000123, CTS: 1700000000120}
	if got := f.TSMicro(); got != 1700000000123000 {
		t.Errorf("TSMicro = %d", got)
	}
	if got := f.CTSMicro(); got != 1700000000120000 {
		t.Errorf("CTSMicro = %d", got)
	}
	noCTS := &Frame{TS: 1700000000123}
	if got := noCTS.CTSMicro(); got != 1700000000123000 {
		t.Errorf("CTSMicro fallback = %d", got)
	}
}

// Интеграционный тест Dial/Subscribe/ReadFrame с реальным WebSocket-сервером.
func TestConn_SubscribeAndRead(t *testing.T) {
	upg := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// ждём запрос subscribe
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		var req struct {
			Op    string   `json:"op"`
			ReqID string   `json:"req_id"`
			Args  []string `json:"args"`
		}
		if err := json.Unmarshal(msg, &req); err != nil || req.Op != "subscribe" {
			t.Errorf("expected subscribe, got %s", msg)
			return
		}

		// ack, затем один кадр сделки
		ack := map[string]interface{}{
			"success": true, "ret_msg": "", "conn_id": "test-conn",
			"req_id": req.ReqID, "op": "subscribe",
		}
		if err := conn.WriteJSON(ack); err != nil {
			t.Errorf("write ack: %v", err)
			return
		}
		trade := map[string]interface{}{
			"topic": "publicTrade.BTCUSDT",
			"ts":    1700000000123,
			"data": []map[string]interface{}{
				{"T": 1700000000100, "i": "t1", "S": "Buy", "p": "42000.5", "v": "0.01", "s": "BTCUSDT"},
			},
		}
		if err := conn.WriteJSON(trade); err != nil {
			t.Errorf("write trade: %v", err)
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	log, _ := logger.New(logger.Config{Level: "debug", DevMode: true})
	d, err := NewDialer(Config{URL: wsURL}, log)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	reqID, err := conn.Subscribe([]string{"publicTrade.BTCUSDT"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ack, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame(ack): %v", err)
	}
	if ack.Kind() != KindAck || !ack.AckOK() {
		t.Fatalf("expected successful ack, got %+v", ack)
	}
	if ack.ReqID != reqID {
		t.Errorf("ack req_id = %q; want %q", ack.ReqID, reqID)
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame(trade): %v", err)
	}
	if frame.Kind() != KindTrade {
		t.Fatalf("expected trade frame, got %v", frame.Kind())
	}
	if frame.Symbol() != "BTCUSDT" {
		t.Errorf("Symbol = %q", frame.Symbol())
	}
	if frame.LocalTS <= 0 {
		t.Error("LocalTS not set on read")
	}
}

func TestConn_SubscribeTooManyTopics(t *testing.T) {
	d := &Dialer{cfg: Config{MaxTopicsPerConn: 2}}
	c := &Conn{cfg: d.cfg, dialer: d}
	if _, err := c.Subscribe([]string{"a", "b", "c"}); err == nil {
		t.Fatal("expected per-conn topic limit error")
	}
}
