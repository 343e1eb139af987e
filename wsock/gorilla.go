package wsock

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// GorillaTransport opens client sockets with gorilla/websocket.
type GorillaTransport struct {
	// Dialer is copied for every Open; Subprotocols is overridden per call.
	// Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Config *Config

	// Limiter, when set, is waited on before every dial. It keeps a burst of
	// reconnects across many URLs from hammering the network.
	Limiter *rate.Limiter

	Logger *zerolog.Logger
}

// NewGorillaTransport creates a transport with the given config. A nil config
// uses DefaultConfig.
func NewGorillaTransport(config *Config) *GorillaTransport {
	return &GorillaTransport{Config: config}
}

// Open implements Transport.
func (t *GorillaTransport) Open(sched Scheduler, url string, protocols []string, opts *DialOptions) Socket {
	config := t.Config.ensure()
	logger := log.Logger
	if t.Logger != nil {
		logger = *t.Logger
	}

	s := &gorillaSocket{
		id:     uuid.NewString(),
		url:    url,
		sched:  sched,
		config: config,
	}
	s.logger = logger.With().Str("socket", s.id).Str("url", url).Logger()
	s.state.Store(int32(Connecting))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	dialer := websocket.DefaultDialer
	if t.Dialer != nil {
		dialer = t.Dialer
	}
	d := *dialer
	d.Subprotocols = protocols
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = config.HandshakeTimeout
	}

	go s.connect(&d, t.Limiter, opts)
	return s
}

type gorillaSocket struct {
	id     string
	url    string
	sched  Scheduler
	config *Config
	logger zerolog.Logger

	state atomic.Int32

	// only touched from the scheduler
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn

	// wmu serializes writer.Send against writer.Stop; the Writer's own
	// running flag is not safe for that.
	wmu    sync.Mutex
	writer *conc.Writer[Message]

	finished sync.Once
}

func (s *gorillaSocket) ID() string  { return s.id }
func (s *gorillaSocket) URL() string { return s.url }

func (s *gorillaSocket) ReadyState() ReadyState {
	return ReadyState(s.state.Load())
}

func (s *gorillaSocket) setState(r ReadyState) {
	s.state.Store(int32(r))
}

func (s *gorillaSocket) SetHandlers(h Handlers) {
	s.handlers = h
}

func (s *gorillaSocket) Send(msg Message) error {
	if s.ReadyState() != Open {
		return ErrNotOpen
	}
	if msg.Type == 0 {
		msg.Type = TextMessage
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writer == nil {
		return ErrNotOpen
	}
	s.writer.Send(msg)
	return nil
}

func (s *gorillaSocket) Close() error {
	switch s.ReadyState() {
	case Closing, Closed:
		return nil
	case Connecting:
		s.setState(Closing)
		s.cancel()
		return nil
	}
	s.setState(Closing)
	return s.sendCloseFrame()
}

func (s *gorillaSocket) sendCloseFrame() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.config.WriteWait))
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "write close frame")
	}
	// the server may never answer the handshake
	time.AfterFunc(s.config.CloseGrace, func() { conn.Close() })
	return nil
}

func (s *gorillaSocket) connect(dialer *websocket.Dialer, limiter *rate.Limiter, opts *DialOptions) {
	if limiter != nil {
		if err := limiter.Wait(s.ctx); err != nil {
			s.finish(CloseAbnormalClosure, "", false, errors.Wrap(err, "waiting for dial slot"))
			return
		}
	}

	header := http.Header{}
	if opts != nil && opts.Header != nil {
		header = opts.Header.Clone()
	}

	conn, res, err := dialer.DialContext(s.ctx, s.url, header)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("dial failed")
		s.finish(CloseAbnormalClosure, "", false, errors.Wrapf(err, "dial %s", s.url))
		return
	}

	if s.config.ReadLimit > 0 {
		conn.SetReadLimit(s.config.ReadLimit)
	}
	if s.config.PongPeriod > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.PongPeriod))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.config.PongPeriod))
		})
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.wmu.Lock()
	s.writer = conc.NewWriter(s.write)
	s.wmu.Unlock()

	s.logger.Debug().Str("protocol", conn.Subprotocol()).Msg("connected")

	s.sched.Post(func() {
		if s.ReadyState() != Connecting {
			// Close raced with a successful dial
			_ = s.sendCloseFrame()
			return
		}
		s.setState(Open)
		if h := s.handlers.OnOpen; h != nil {
			h()
		}
	})

	go s.readPump(conn)
	if s.config.PingPeriod > 0 {
		go s.pingPump(conn)
	}
}

func (s *gorillaSocket) write(msg Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
	if err := conn.WriteMessage(int(msg.Type), msg.Data); err != nil {
		s.logger.Warn().Err(err).Msg("write failed")
		// finish stops the writer, so it cannot run on the writer goroutine.
		// The error is not returned: a Writer that exits on its own can no
		// longer be stopped.
		go s.finish(CloseAbnormalClosure, "", false, errors.Wrap(err, "write message"))
	}
	return nil
}

func (s *gorillaSocket) readPump(conn *websocket.Conn) {
	var failed atomic.Bool
	reader := conc.NewReader(func() (Message, error) {
		if failed.Load() {
			<-s.ctx.Done()
			return Message{}, net.ErrClosed
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			failed.Store(true)
			return Message{}, err
		}
		if s.config.PongPeriod > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.PongPeriod))
		}
		return Message{Type: MessageType(msgType), Data: data}, nil
	})
	defer reader.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.finish(CloseAbnormalClosure, "", false, nil)
			return
		case result := <-reader.OutputChan():
			if result.Error != nil {
				s.readFailed(result.Error)
				return
			}
			msg := result.Value
			s.sched.Post(func() {
				if s.ReadyState() == Closed {
					return
				}
				if h := s.handlers.OnMessage; h != nil {
					h(msg)
				}
			})
		}
	}
}

func (s *gorillaSocket) readFailed(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.logger.Debug().Int("code", ce.Code).Str("reason", ce.Text).Msg("closed by peer")
		var reportErr error
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			reportErr = err
		}
		s.finish(ce.Code, ce.Text, true, reportErr)
		return
	}

	if s.ReadyState() == Closing {
		// we started the handshake and then dropped the connection
		s.finish(CloseNormalClosure, "", true, nil)
		return
	}
	s.logger.Debug().Err(err).Msg("read failed")
	s.finish(CloseAbnormalClosure, "", false, errors.Wrap(err, "read message"))
}

func (s *gorillaSocket) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteWait)); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// finish tears the connection down once and reports CLOSED on the scheduler.
func (s *gorillaSocket) finish(code int, reason string, clean bool, err error) {
	s.finished.Do(func() {
		s.cancel()

		s.wmu.Lock()
		if s.writer != nil {
			s.writer.Stop()
			s.writer = nil
		}
		s.wmu.Unlock()

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}

		event := CloseEvent{Code: code, Reason: reason, WasClean: clean}
		deliver := func() {
			s.setState(Closed)
			h := s.handlers
			if err != nil && h.OnError != nil {
				h.OnError(err)
			}
			if h.OnClose != nil {
				h.OnClose(event)
			}
		}
		if !s.sched.Post(deliver) {
			s.setState(Closed)
		}
	})
}
