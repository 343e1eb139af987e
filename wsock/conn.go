package wsock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"
	gut "github.com/panyam/goutils/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Outgoing is one item queued on a connection's Writer. Exactly one field is
// set. Everything a connection writes goes through the Writer, so frames
// never interleave.
type Outgoing[O any] struct {
	Data  *O
	Ping  bool
	Close *CloseEvent
}

// BaseConn is a server connection that decodes inbound frames and encodes
// outbound values with Codec.
//
// Usage:
//
//	type ChatConn struct {
//	    wsock.BaseConn[ChatLine, ChatLine]
//	}
//
//	func (c *ChatConn) HandleMessage(line ChatLine) error {
//	    c.Send(line)
//	    return nil
//	}
type BaseConn[I any, O any] struct {
	// Codec must be set before the connection starts.
	Codec Codec[I, O]

	// Writer serializes every outbound frame. Created in OnStart.
	Writer *conc.Writer[Outgoing[O]]

	NameStr string

	// ConnIdStr is generated on first use when empty.
	ConnIdStr string

	// WriteWait bounds each frame write. Default: 10 seconds.
	WriteWait time.Duration

	// CloseGrace is how long Close waits for the client to answer the
	// closing handshake. Default: 2 seconds.
	CloseGrace time.Duration

	Logger *zerolog.Logger

	conn    *websocket.Conn
	closing atomic.Bool

	// wmu serializes Writer.Send against Writer.Stop
	wmu     sync.Mutex
	stopped bool
}

func (b *BaseConn[I, O]) Name() string {
	if b.NameStr == "" {
		b.NameStr = "BaseConn"
	}
	return b.NameStr
}

func (b *BaseConn[I, O]) ConnID() string {
	if b.ConnIdStr == "" {
		b.ConnIdStr = gut.RandString(10, "")
	}
	return b.ConnIdStr
}

func (b *BaseConn[I, O]) logger() *zerolog.Logger {
	l := log.Logger
	if b.Logger != nil {
		l = *b.Logger
	}
	l = l.With().Str("conn", b.ConnID()).Str("name", b.Name()).Logger()
	return &l
}

func (b *BaseConn[I, O]) ReadMessage(conn *websocket.Conn) (I, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		var zero I
		return zero, err
	}
	v, err := b.Codec.Decode(Message{Type: MessageType(msgType), Data: data})
	if err != nil {
		return v, &DecodeError{Err: err}
	}
	return v, nil
}

func (b *BaseConn[I, O]) OnStart(conn *websocket.Conn) error {
	b.conn = conn
	b.wmu.Lock()
	b.Writer = conc.NewWriter(b.write)
	b.wmu.Unlock()
	b.logger().Debug().Str("protocol", conn.Subprotocol()).Msg("connection started")
	return nil
}

// write never returns an error: a Writer that exits on its own can no longer
// be stopped. A failed write closes the connection, which ends the read loop.
func (b *BaseConn[I, O]) write(out Outgoing[O]) error {
	if err := b.writeFrame(out); err != nil {
		b.logger().Debug().Err(err).Msg("write failed")
		_ = b.conn.Close()
	}
	return nil
}

func (b *BaseConn[I, O]) writeFrame(out Outgoing[O]) error {
	deadline := time.Now().Add(orDefault(b.WriteWait, 10*time.Second))
	switch {
	case out.Ping:
		return b.conn.WriteControl(websocket.PingMessage, nil, deadline)
	case out.Close != nil:
		frame := websocket.FormatCloseMessage(out.Close.Code, out.Close.Reason)
		err := b.conn.WriteControl(websocket.CloseMessage, frame, deadline)
		conn := b.conn
		// the client may never answer the handshake
		time.AfterFunc(orDefault(b.CloseGrace, 2*time.Second), func() { conn.Close() })
		return err
	case out.Data != nil:
		msg, err := b.Codec.Encode(*out.Data)
		if err != nil {
			b.logger().Warn().Err(err).Msg("dropping message that failed to encode")
			return nil
		}
		_ = b.conn.SetWriteDeadline(deadline)
		return b.conn.WriteMessage(int(msg.Type), msg.Data)
	}
	return nil
}

func (b *BaseConn[I, O]) enqueue(out Outgoing[O]) bool {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if b.Writer == nil || b.stopped {
		return false
	}
	return b.Writer.Send(out)
}

// Send queues v for the client. It is dropped once Close was called.
func (b *BaseConn[I, O]) Send(v O) {
	if b.closing.Load() {
		return
	}
	b.enqueue(Outgoing[O]{Data: &v})
}

func (b *BaseConn[I, O]) SendPing() error {
	if !b.closing.Load() {
		b.enqueue(Outgoing[O]{Ping: true})
	}
	return nil
}

// Close starts the closing handshake with code and reason. The connection
// ends when the client answers or CloseGrace passes. Later calls are no-ops.
func (b *BaseConn[I, O]) Close(code int, reason string) {
	if b.closing.Swap(true) {
		return
	}
	b.enqueue(Outgoing[O]{Close: &CloseEvent{Code: code, Reason: reason, WasClean: true}})
}

// HandleMessage logs and drops msg; embedding types override it.
func (b *BaseConn[I, O]) HandleMessage(msg I) error {
	b.logger().Debug().Interface("message", msg).Msg("unhandled message")
	return nil
}

// OnError closes the connection on any decode error.
func (b *BaseConn[I, O]) OnError(err error) error {
	return err
}

func (b *BaseConn[I, O]) OnClose() {
	b.wmu.Lock()
	if b.Writer != nil && !b.stopped {
		b.Writer.Stop()
	}
	b.stopped = true
	b.wmu.Unlock()
	b.logger().Debug().Msg("connection closed")
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
