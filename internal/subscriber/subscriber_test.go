// internal/subscriber/subscriber_test.go
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quant-research/md-collector/pkg/backoff"
	"github.com/quant-research/md-collector/pkg/bybit"
	"github.com/quant-research/md-collector/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// countingParser считает кадры вместо настоящего разбора.
type countingParser struct {
	mu     sync.Mutex
	frames []*bybit.Frame
}

func (p *countingParser) Process(_ context.Context, f *bybit.Frame) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return 1
}

func (p *countingParser) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

type subReq struct {
	Op    string   `json:"op"`
	ReqID string   `json:"req_id"`
	Args  []string `json:"args"`
}

// readSubscribe вычитывает запрос подписки со стороны сервера.
func readSubscribe(t *testing.T, conn *websocket.Conn) (subReq, bool) {
	t.Helper()
	var req subReq
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return req, false
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		if req.Op == "subscribe" {
			return req, true
		}
	}
}

func writeAck(conn *websocket.Conn, reqID string, ok bool, retMsg string) error {
	return conn.WriteJSON(map[string]interface{}{
		"success": ok, "ret_msg": retMsg, "conn_id": "test-conn",
		"req_id": reqID, "op": "subscribe",
	})
}

func writeTrade(conn *websocket.Conn, id string) error {
	return conn.WriteJSON(map[string]interface{}{
		"topic": "publicTrade.BTCUSDT",
		"ts":    1700000000123,
		"data": []map[string]interface{}{
			{"T": 1700000000100, "i": id, "S": "Buy", "p": "42000.5", "v": "0.01", "s": "BTCUSDT"},
		},
	})
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testConfig(url string) Config {
	return Config{
		Symbols: []string{"BTCUSDT"},
		Bybit:   bybit.Config{URL: url, SubscribeTimeout: 2 * time.Second},
		Backoff: backoff.Config{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			MaxElapsedTime:  2 * time.Second,
		},
	}
}

func newTestSubscriber(t *testing.T, cfg Config, p *countingParser) *Subscriber {
	t.Helper()
	log := testLogger(t)
	d, err := bybit.NewDialer(cfg.Bybit, log)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	sub, err := New(cfg, d, p, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sub
}

func TestNew_RequiresSymbols(t *testing.T) {
	log := testLogger(t)
	d, err := bybit.NewDialer(bybit.Config{URL: "ws://unused"}, log)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	if _, err := New(Config{}, d, &countingParser{}, log); err == nil {
		t.Fatal("expected error for empty symbol list")
	}
}

func TestNew_BuildsTopicPairs(t *testing.T) {
	log := testLogger(t)
	d, _ := bybit.NewDialer(bybit.Config{URL: "ws://unused"}, log)
	sub, err := New(Config{Symbols: []string{"btcusdt", "ethusdt"}}, d, &countingParser{}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := []string{
		"orderbook.1.BTCUSDT", "publicTrade.BTCUSDT",
		"orderbook.1.ETHUSDT", "publicTrade.ETHUSDT",
	}
	if len(sub.topics) != len(want) {
		t.Fatalf("topics = %v; want %v", sub.topics, want)
	}
	for i, topic := range want {
		if sub.topics[i] != topic {
			t.Errorf("topics[%d] = %q; want %q", i, sub.topics[i], topic)
		}
	}
}

// Полный цикл: подписка, поток кадров, аккуратное завершение.
func TestRun_StreamsAndShutsDown(t *testing.T) {
	upg := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		req, ok := readSubscribe(t, conn)
		if !ok {
			return
		}
		if len(req.Args) != 2 {
			t.Errorf("subscribe args = %v; want orderbook+trade pair", req.Args)
		}
		if err := writeAck(conn, req.ReqID, true, ""); err != nil {
			return
		}
		for i := 0; i < 3; i++ {
			if err := writeTrade(conn, fmt.Sprintf("t%d", i+1)); err != nil {
				return
			}
		}
		// держим соединение до закрытия клиентом
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p := &countingParser{}
	sub := newTestSubscriber(t, testConfig(wsURL(server)), p)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Run(ctx) }()

	waitFor(t, func() bool { return p.count() == 3 }, "timed out waiting for 3 frames")

	h := sub.Health()
	if h.State != "streaming" {
		t.Errorf("state = %q; want streaming", h.State)
	}
	if h.Rows != 3 {
		t.Errorf("rows = %d; want 3", h.Rows)
	}
	if h.LastFrameTS <= 0 {
		t.Error("last frame timestamp not recorded")
	}
	if h.Reconnects != 0 {
		t.Errorf("reconnects = %d; want 0", h.Reconnects)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v; want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if got := sub.Health().State; got != "disconnected" {
		t.Errorf("state after shutdown = %q; want disconnected", got)
	}
}

// Обрыв соединения приводит к переподключению и продолжению потока.
func TestRun_ReconnectsAfterDrop(t *testing.T) {
	upg := websocket.Upgrader{}
	var connCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		req, ok := readSubscribe(t, conn)
		if !ok {
			return
		}
		if err := writeAck(conn, req.ReqID, true, ""); err != nil {
			return
		}

		if connCount.Add(1) == 1 {
			// первое соединение: два кадра и обрыв
			_ = writeTrade(conn, "a1")
			_ = writeTrade(conn, "a2")
			return
		}
		_ = writeTrade(conn, "b1")
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p := &countingParser{}
	sub := newTestSubscriber(t, testConfig(wsURL(server)), p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Run(ctx) }()

	waitFor(t, func() bool { return p.count() == 3 }, "timed out waiting for frames across reconnect")

	h := sub.Health()
	if h.Reconnects < 1 {
		t.Errorf("reconnects = %d; want at least 1", h.Reconnects)
	}
	if h.Rows != 3 {
		t.Errorf("rows = %d; want 3", h.Rows)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// Кадр данных до ack означает принятую подписку.
func TestRun_DataBeforeAck(t *testing.T) {
	upg := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		req, ok := readSubscribe(t, conn)
		if !ok {
			return
		}
		// сначала данные, ack следом
		if err := writeTrade(conn, "early"); err != nil {
			return
		}
		if err := writeAck(conn, req.ReqID, true, ""); err != nil {
			return
		}
		if err := writeTrade(conn, "late"); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p := &countingParser{}
	sub := newTestSubscriber(t, testConfig(wsURL(server)), p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Run(ctx) }()

	waitFor(t, func() bool { return p.count() == 2 }, "timed out waiting for both data frames")

	if got := sub.Health().Reconnects; got != 0 {
		t.Errorf("reconnects = %d; want 0 (data before ack is not a failure)", got)
	}

	cancel()
	<-errCh
}

// Битый кадр между двумя валидными: оба валидных доходят до парсера,
// соединение не переустанавливается.
func TestRun_MalformedFrameDoesNotReconnect(t *testing.T) {
	upg := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		req, ok := readSubscribe(t, conn)
		if !ok {
			return
		}
		if err := writeAck(conn, req.ReqID, true, ""); err != nil {
			return
		}
		if err := writeTrade(conn, "before"); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
			return
		}
		if err := writeTrade(conn, "after"); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p := &countingParser{}
	sub := newTestSubscriber(t, testConfig(wsURL(server)), p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Run(ctx) }()

	waitFor(t, func() bool { return p.count() == 2 }, "timed out waiting for the frames around the malformed one")

	h := sub.Health()
	if h.Reconnects != 0 {
		t.Errorf("reconnects = %d; want 0 (malformed frame must not cost the connection)", h.Reconnects)
	}
	if h.State != "streaming" {
		t.Errorf("state = %q; want streaming", h.State)
	}

	cancel()
	<-errCh
}

// Сервер замолкает при живом сокете: rolling read deadline истекает,
// поток переустанавливается и продолжается на новом соединении.
func TestRun_IdleTimeoutForcesReconnect(t *testing.T) {
	upg := websocket.Upgrader{}
	var connCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		req, ok := readSubscribe(t, conn)
		if !ok {
			return
		}
		if err := writeAck(conn, req.ReqID, true, ""); err != nil {
			return
		}

		if connCount.Add(1) == 1 {
			// первое соединение: один кадр, дальше тишина — но сокет
			// остаётся здоровым, пинги вычитываются без ответа
			_ = writeTrade(conn, "only")
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		_ = writeTrade(conn, "resumed")
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.Bybit.IdleTimeout = 250 * time.Millisecond
	cfg.Bybit.PingInterval = 50 * time.Millisecond

	p := &countingParser{}
	sub := newTestSubscriber(t, cfg, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Run(ctx) }()

	waitFor(t, func() bool { return p.count() >= 2 }, "timed out waiting for the stream to resume after idle reconnect")

	if got := sub.Health().Reconnects; got < 1 {
		t.Errorf("reconnects = %d; want at least 1 (silent stream must force reconnect)", got)
	}

	cancel()
	<-errCh
}

// Отклонённая подписка исчерпывает retry-бюджет и завершает Run ошибкой.
func TestRun_SubscribeRejected(t *testing.T) {
	upg := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		req, ok := readSubscribe(t, conn)
		if !ok {
			return
		}
		_ = writeAck(conn, req.ReqID, false, "error:handler not found")
	}))
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.Backoff.MaxElapsedTime = 200 * time.Millisecond

	p := &countingParser{}
	sub := newTestSubscriber(t, cfg, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sub.Run(ctx)
	if err == nil {
		t.Fatal("expected error after rejected subscribe")
	}
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("error = %v; want *backoff.ErrMaxRetries", err)
	}
	if !strings.Contains(err.Error(), "rejected") {
		t.Errorf("error = %v; want subscribe rejection cause", err)
	}
	if got := sub.Health().State; got != "error" {
		t.Errorf("state = %q; want error", got)
	}
}
