package wsock

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrNotOpen is returned by Send when the socket is not OPEN.
	ErrNotOpen = errors.New("wsock: socket is not open")

	// ErrClosed is reported when an operation races with the socket closing.
	ErrClosed = errors.New("wsock: socket closed")
)

// ReadyState mirrors the browser WebSocket readyState machine with an extra
// Uninstantiated value for "no socket was ever created".
type ReadyState int

const (
	Uninstantiated ReadyState = -1
	Connecting     ReadyState = 0
	Open           ReadyState = 1
	Closing        ReadyState = 2
	Closed         ReadyState = 3
)

func (r ReadyState) String() string {
	switch r {
	case Uninstantiated:
		return "UNINSTANTIATED"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("ReadyState(%d)", int(r))
}

// Message is a single data frame received from or sent to a socket.
type Message struct {
	Type MessageType
	Data []byte
}

// TextMessageOf wraps s as a text frame.
func TextMessageOf(s string) Message {
	return Message{Type: TextMessage, Data: []byte(s)}
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// Close codes used when the transport has to synthesize a close event.
const (
	CloseNormalClosure   = 1000
	CloseNoStatus        = 1005
	CloseAbnormalClosure = 1006
)

// CloseEvent describes why a socket reached CLOSED.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// Handlers are the four event notifications a Socket emits. They are invoked
// on the Scheduler the socket was opened with, and are read at dispatch time
// so replacing them takes effect for the next event.
type Handlers struct {
	OnOpen    func()
	OnMessage func(Message)
	OnError   func(error)
	OnClose   func(CloseEvent)
}

// Scheduler serializes event delivery. eventloop.Loop implements it.
type Scheduler interface {
	Post(fn func()) bool
}

// Socket is one physical connection. ReadyState changes and handler calls
// happen on the Scheduler, in the order the connection produced them.
type Socket interface {
	// ID identifies this physical socket in logs and metrics.
	ID() string

	URL() string

	ReadyState() ReadyState

	// Send writes a frame. It fails with ErrNotOpen unless the socket is OPEN.
	Send(msg Message) error

	// Close starts the closing handshake. Closing a socket that is already
	// CLOSING or CLOSED is a no-op.
	Close() error

	SetHandlers(h Handlers)
}

// DialOptions are passed through verbatim from consumer configuration.
type DialOptions struct {
	Header http.Header
}

// Transport opens physical sockets. Open never blocks on the network: the
// returned socket starts in CONNECTING and reports the outcome through its
// handlers.
type Transport interface {
	Open(sched Scheduler, url string, protocols []string, opts *DialOptions) Socket
}
