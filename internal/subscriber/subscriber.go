// internal/subscriber/subscriber.go
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quant-research/md-collector/internal/metrics"
	"github.com/quant-research/md-collector/internal/parser"
	"github.com/quant-research/md-collector/pkg/backoff"
	"github.com/quant-research/md-collector/pkg/bybit"
	"github.com/quant-research/md-collector/pkg/logger"
)

// Config задаёт один подписчик: батч символов на одном соединении.
type Config struct {
	Symbols []string       // символы батча (не больше MaxTopicsPerConn/2)
	Bybit   bybit.Config   // параметры соединения
	Backoff backoff.Config // политика reconnect; MaxElapsedTime 0 → без лимита
}

func (c Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("subscriber: at least one symbol is required")
	}
	return nil
}

// Health — агрегированный снимок состояния для журнала и /statusz.
type Health struct {
	Symbols     []string `json:"symbols"`
	State       string   `json:"state"`
	LastFrameTS int64    `json:"last_frame_ts_us"` // 0 — кадров ещё не было
	Reconnects  int64    `json:"reconnects"`
	Rows        int64    `json:"rows"`
}

// Subscriber держит подписку на свой батч символов: одно живое
// соединение, reconnect с экспоненциальным backoff, пересылка
// data-кадров в Parser.
type Subscriber struct {
	cfg    Config
	topics []string
	dialer *bybit.Dialer
	parser parser.Parser
	log    *logger.Logger

	state      atomic.Int32
	lastFrame  atomic.Int64 // µs локального времени последнего кадра
	reconnects atomic.Int64
	rows       atomic.Int64
}

// New создаёт Subscriber поверх готового Dialer и Parser.
func New(cfg Config, dialer *bybit.Dialer, p parser.Parser, log *logger.Logger) (*Subscriber, error) {
	cfg.Bybit.ApplyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(cfg.Symbols)*2)
	for _, sym := range cfg.Symbols {
		topics = append(topics, bybit.TopicOrderbook(sym), bybit.TopicTrade(sym))
	}
	return &Subscriber{
		cfg:    cfg,
		topics: topics,
		dialer: dialer,
		parser: p,
		log:    log.Named("subscriber"),
	}, nil
}

// Health возвращает снимок без блокировок.
func (s *Subscriber) Health() Health {
	return Health{
		Symbols:     s.cfg.Symbols,
		State:       State(s.state.Load()).String(),
		LastFrameTS: s.lastFrame.Load(),
		Reconnects:  s.reconnects.Load(),
		Rows:        s.rows.Load(),
	}
}

// Run ведёт цикл подписки до отмены контекста. Возвращает ctx.Err()
// после аккуратного закрытия соединения.
func (s *Subscriber) Run(ctx context.Context) error {
	s.log.Info("subscriber: starting", zap.Strings("symbols", s.cfg.Symbols))

	for {
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		default:
		}

		s.setState(StateConnecting)
		var sess *session
		err := backoff.Execute(ctx, s.cfg.Backoff, s.log, func(c context.Context) error {
			var cErr error
			sess, cErr = s.connect(c)
			return cErr
		})
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected)
				return ctx.Err()
			}
			// достижимо только с ограниченным Backoff.MaxElapsedTime
			s.setState(StateError)
			s.log.Error("subscriber: connect attempts exhausted", zap.Error(err))
			return err
		}

		s.setState(StateSubscribed)
		s.log.Info("subscriber: subscribed",
			zap.Strings("topics", s.topics),
			zap.String("conn_id", sess.connID))

		streamErr := s.stream(ctx, sess)
		_ = sess.conn.Close()

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			s.log.Info("subscriber: closed", zap.Strings("symbols", s.cfg.Symbols))
			return ctx.Err()
		}

		s.setState(StateError)
		s.reconnects.Add(1)
		metrics.ReconnectsTotal.Inc()
		s.log.Warn("subscriber: stream interrupted, reconnecting", zap.Error(streamErr))

		// Пауза, чтобы мгновенные обрывы не крутили цикл вхолостую.
		select {
		case <-time.After(s.reconnectPause()):
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		}
		s.setState(StateDisconnected)
	}
}

func (s *Subscriber) reconnectPause() time.Duration {
	if s.cfg.Backoff.InitialInterval > 0 {
		return s.cfg.Backoff.InitialInterval
	}
	return time.Second
}

// session — результат успешного рукопожатия: живое соединение,
// conn_id из ack и кадр данных, если он обогнал ack.
type session struct {
	conn    *bybit.Conn
	pending *bybit.Frame
	connID  string
}

// connect выполняет одну попытку: dial → subscribe → ожидание ack.
func (s *Subscriber) connect(ctx context.Context) (*session, error) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		metrics.ConnectsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ConnectsTotal.WithLabelValues("ok").Inc()

	reqID, err := conn.Subscribe(s.topics)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	sess, err := s.awaitAck(conn, reqID)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}

// awaitAck вычитывает кадры до ack в пределах SubscribeTimeout.
// Данные до ack означают, что подписка фактически принята.
func (s *Subscriber) awaitAck(conn *bybit.Conn, reqID string) (*session, error) {
	deadline := time.Now().Add(s.cfg.Bybit.SubscribeTimeout)
	for {
		f, err := conn.ReadFrameDeadline(deadline)
		if err != nil {
			if errors.Is(err, bybit.ErrMalformedFrame) {
				s.log.Warn("subscriber: malformed frame dropped", zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("subscriber: await ack: %w", err)
		}
		switch f.Kind() {
		case bybit.KindAck:
			if f.ReqID != "" && f.ReqID != reqID {
				continue
			}
			if !f.AckOK() {
				return nil, fmt.Errorf("subscriber: subscribe rejected: %s", f.RetMsg)
			}
			return &session{conn: conn, connID: f.ConnID}, nil
		case bybit.KindOrderbook, bybit.KindTrade:
			return &session{conn: conn, pending: f}, nil
		default:
			continue
		}
	}
}

// stream читает кадры до ошибки чтения или отмены контекста.
func (s *Subscriber) stream(ctx context.Context, sess *session) error {
	conn := sess.conn
	if sess.connID != "" {
		// conn_id попадает в логи парсера через logger.WithContext
		ctx = logger.ContextWithConnID(ctx, sess.connID)
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.pingLoop(connCtx, conn)
	go func() {
		// Закрытие соединения — единственный способ прервать ReadFrame.
		<-connCtx.Done()
		if ctx.Err() != nil {
			s.setState(StateClosing)
			_ = conn.Unsubscribe(s.topics) // best-effort перед закрытием
		}
		_ = conn.Close()
	}()

	if sess.pending != nil {
		s.handleFrame(ctx, sess.pending)
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Битый кадр отбрасывается на том же соединении: кадры,
			// стоящие за ним в очереди, не должны пропасть из-за reconnect.
			if errors.Is(err, bybit.ErrMalformedFrame) {
				metrics.FramesTotal.WithLabelValues("malformed").Inc()
				s.log.WithContext(ctx).Warn("subscriber: malformed frame dropped", zap.Error(err))
				continue
			}
			metrics.ReadErrors.Inc()
			return err
		}
		s.handleFrame(ctx, frame)
	}
}

func (s *Subscriber) handleFrame(ctx context.Context, f *bybit.Frame) {
	s.lastFrame.Store(f.LocalTS)
	kind := f.Kind()
	metrics.FramesTotal.WithLabelValues(kind.String()).Inc()

	switch kind {
	case bybit.KindOrderbook, bybit.KindTrade:
		if State(s.state.Load()) == StateSubscribed {
			s.setState(StateStreaming)
			s.log.Info("subscriber: streaming", zap.Strings("symbols", s.cfg.Symbols))
		}
		n := s.parser.Process(ctx, f)
		s.rows.Add(int64(n))
	case bybit.KindPong:
		// pong лишь продлевает read deadline
	case bybit.KindAck:
		s.log.Debug("subscriber: ack frame", zap.String("req_id", f.ReqID), zap.String("op", f.Op))
	default:
		s.log.Debug("subscriber: unknown frame ignored", zap.String("topic", f.Topic), zap.String("op", f.Op))
	}
}

// pingLoop шлёт app-level пинги: молчание дольше IdleTimeout валит
// чтение по дедлайну, и цикл Run переустанавливает соединение.
func (s *Subscriber) pingLoop(ctx context.Context, conn *bybit.Conn) {
	ticker := time.NewTicker(s.cfg.Bybit.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				s.log.Warn("subscriber: ping failed", zap.Error(err))
			}
		}
	}
}

func (s *Subscriber) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug("subscriber: state transition",
			zap.String("from", old.String()),
			zap.String("to", st.String()))
	}
}
