package wsock

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServerConn is one accepted websocket connection handling inbound messages
// of type I. Implementations usually embed BaseConn and override
// HandleMessage.
type ServerConn[I any] interface {
	ConnID() string

	// OnStart runs once the upgrade succeeded, before anything is read.
	// Returning an error drops the connection.
	OnStart(conn *websocket.Conn) error

	// ReadMessage reads and decodes the next message. A frame that arrived
	// but could not be decoded is reported as a *DecodeError.
	ReadMessage(conn *websocket.Conn) (I, error)

	// HandleMessage processes one message. Returning an error closes the
	// connection.
	HandleMessage(msg I) error

	// OnError sees messages that failed to decode. Returning an error closes
	// the connection; nil keeps reading.
	OnError(err error) error

	SendPing() error

	// OnClose runs once when the connection ends.
	OnClose()
}

// Acceptor gates upgrades and creates the connection for each accepted
// request. Returning false rejects the request; the acceptor writes the
// response itself.
type Acceptor[I any] interface {
	Validate(w http.ResponseWriter, r *http.Request) (ServerConn[I], bool)
}

// AcceptFunc adapts a function to an Acceptor.
type AcceptFunc[I any] func(w http.ResponseWriter, r *http.Request) (ServerConn[I], bool)

func (f AcceptFunc[I]) Validate(w http.ResponseWriter, r *http.Request) (ServerConn[I], bool) {
	return f(w, r)
}

// DecodeError wraps a codec failure on a frame that was read successfully.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decoding frame: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// ServeConfig controls accepted connections.
type ServeConfig struct {
	// Upgrader handles the HTTP to WebSocket protocol upgrade.
	Upgrader websocket.Upgrader

	// PingPeriod specifies how often to send protocol ping frames to the
	// client. Zero disables pings.
	// Default: 30 seconds.
	PingPeriod time.Duration

	// PongPeriod is the maximum time to wait for any data (pong or message)
	// from the client before the connection is dropped. Zero disables the
	// read deadline.
	// Default: 300 seconds (5 minutes).
	PongPeriod time.Duration

	Logger *zerolog.Logger
}

// DefaultServeConfig returns a ServeConfig with sensible defaults:
//   - ReadBufferSize: 1024 bytes
//   - WriteBufferSize: 1024 bytes
//   - CheckOrigin: allows all origins (configure for production!)
//   - PingPeriod: 30 seconds
//   - PongPeriod: 300 seconds (5 minutes)
func DefaultServeConfig() *ServeConfig {
	return &ServeConfig{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		PingPeriod: time.Second * 30,
		PongPeriod: time.Second * 300,
	}
}

func (c *ServeConfig) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return log.Logger
}

// Serve returns a handler that upgrades requests accepted by acceptor and
// runs each connection with HandleConn. A nil config uses
// DefaultServeConfig.
//
// Example:
//
//	router.HandleFunc("/echo", wsock.Serve[wsock.Message](acceptor, nil))
func Serve[I any](acceptor Acceptor[I], config *ServeConfig) http.HandlerFunc {
	if config == nil {
		config = DefaultServeConfig()
	}
	return func(rw http.ResponseWriter, req *http.Request) {
		sc, ok := acceptor.Validate(rw, req)
		if !ok {
			return
		}
		// Upgrade replies to the client itself on failure
		conn, err := config.Upgrader.Upgrade(rw, req, nil)
		if err != nil {
			logger := config.logger()
			logger.Warn().Err(err).Str("remote", req.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		HandleConn(conn, sc, config)
	}
}

// HandleConn runs an established connection until it closes: it starts sc,
// pings on PingPeriod, enforces PongPeriod as a read deadline and hands every
// decoded message to sc.HandleMessage. It closes conn before returning.
func HandleConn[I any](conn *websocket.Conn, sc ServerConn[I], config *ServeConfig) {
	if config == nil {
		config = DefaultServeConfig()
	}
	logger := config.logger().With().Str("conn", sc.ConnID()).Logger()

	defer sc.OnClose()
	defer conn.Close()
	if err := sc.OnStart(conn); err != nil {
		logger.Warn().Err(err).Msg("connection refused on start")
		return
	}

	if config.PongPeriod > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(config.PongPeriod))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(config.PongPeriod))
		})
	}

	// gorilla panics on repeated reads after a failure, so a failed reader
	// parks until the connection is done
	done := make(chan struct{})
	var failed atomic.Bool
	reader := conc.NewReader(func() (I, error) {
		if failed.Load() {
			<-done
			var zero I
			return zero, net.ErrClosed
		}
		msg, err := sc.ReadMessage(conn)
		var de *DecodeError
		if err != nil && !errors.As(err, &de) {
			failed.Store(true)
			return msg, err
		}
		if config.PongPeriod > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(config.PongPeriod))
		}
		return msg, err
	})
	defer reader.Stop()
	defer close(done)
	// runs first: unblocks a read still in flight
	defer conn.Close()

	var pings <-chan time.Time
	if config.PingPeriod > 0 {
		ticker := time.NewTicker(config.PingPeriod)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-pings:
			if err := sc.SendPing(); err != nil {
				logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case result := <-reader.OutputChan():
			if result.Error == nil {
				if err := sc.HandleMessage(result.Value); err != nil {
					logger.Debug().Err(err).Msg("closing after handler error")
					return
				}
				continue
			}
			var de *DecodeError
			if errors.As(result.Error, &de) {
				if err := sc.OnError(result.Error); err != nil {
					logger.Debug().Err(err).Msg("closing after decode error")
					return
				}
				continue
			}
			var ce *websocket.CloseError
			if errors.As(result.Error, &ce) {
				logger.Debug().Int("code", ce.Code).Str("reason", ce.Text).Msg("closed by peer")
			} else {
				logger.Debug().Err(result.Error).Msg("read failed")
			}
			return
		}
	}
}
