// pkg/bybit/ws.go
package bybit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quant-research/md-collector/pkg/logger"
)

// Dialer открывает соединения к публичному V5-стриму.
// Одно соединение обслуживает ограниченное число топиков (MaxTopicsPerConn);
// reconnect-политика живёт уровнем выше, в подписчике.
type Dialer struct {
	cfg   Config
	log   *logger.Logger
	reqID uint64 // для уникальных req_id подписок
}

// NewDialer создаёт Dialer. Логгер именуется "bybit-ws".
func NewDialer(cfg Config, log *logger.Logger) (*Dialer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{
		cfg: cfg,
		log: log.Named("bybit-ws"),
	}, nil
}

// Dial устанавливает одно WebSocket-соединение.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("bybit: dial %s: %w", d.cfg.URL, err)
	}
	d.log.Sugar().Infow("ws: connected", "url", d.cfg.URL)
	return &Conn{
		ws:     ws,
		cfg:    d.cfg,
		dialer: d,
		log:    d.log,
	}, nil
}

// Conn — одно живое соединение. Чтение однопоточное (ReadFrame),
// записи сериализуются через writeMu.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	dialer *Dialer
	log    *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// ReadFrame читает следующий кадр. Перед каждым чтением продлевается
// read deadline: молчание дольше IdleTimeout — ошибка чтения,
// подписчик переустанавливает соединение.
func (c *Conn) ReadFrame() (*Frame, error) {
	return c.ReadFrameDeadline(time.Now().Add(c.cfg.IdleTimeout))
}

// ReadFrameDeadline читает кадр с фиксированным дедлайном — нужен
// на фазе рукопожатия, где ожидание ограничено SubscribeTimeout.
func (c *Conn) ReadFrameDeadline(deadline time.Time) (*Frame, error) {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("bybit: set read deadline: %w", err)
	}
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("bybit: read: %w", err)
	}
	return ParseFrame(raw, time.Now().UnixMicro())
}

// Subscribe отправляет запрос подписки. Ack приходит обычным кадром
// и должен быть вычитан через ReadFrame.
func (c *Conn) Subscribe(topics []string) (reqID string, err error) {
	if len(topics) == 0 {
		return "", fmt.Errorf("bybit: subscribe: no topics")
	}
	if len(topics) > c.cfg.MaxTopicsPerConn {
		return "", fmt.Errorf("bybit: subscribe: %d topics exceed per-conn limit %d", len(topics), c.cfg.MaxTopicsPerConn)
	}
	reqID = fmt.Sprintf("sub-%d", atomic.AddUint64(&c.dialer.reqID, 1))
	err = c.writeJSON(map[string]interface{}{
		"op":     "subscribe",
		"req_id": reqID,
		"args":   topics,
	})
	if err != nil {
		return "", fmt.Errorf("bybit: subscribe: %w", err)
	}
	return reqID, nil
}

// Unsubscribe — best-effort отписка перед закрытием.
func (c *Conn) Unsubscribe(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	return c.writeJSON(map[string]interface{}{
		"op":     "unsubscribe",
		"req_id": fmt.Sprintf("unsub-%d", atomic.AddUint64(&c.dialer.reqID, 1)),
		"args":   topics,
	})
}

// Ping отправляет app-level пинг: сервер отвечает pong-кадром,
// который обновляет read deadline в ReadFrame.
func (c *Conn) Ping() error {
	return c.writeJSON(map[string]interface{}{"op": "ping"})
}

func (c *Conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// Close закрывает соединение. Повторные вызовы безопасны.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
