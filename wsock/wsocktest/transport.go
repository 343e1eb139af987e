// Package wsocktest provides an in-memory wsock.Transport whose sockets are
// driven by the test, plus a small echo server for exercising the gorilla
// transport end to end.
package wsocktest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panyam/sockshare/wsock"
)

// Transport records every socket it opens. Sockets stay CONNECTING until the
// test calls Accept, unless AutoAccept is set.
type Transport struct {
	// AutoAccept makes every new socket report OPEN as soon as it is opened.
	AutoAccept bool

	// Echo makes every socket deliver sent frames back as inbound messages.
	Echo bool

	mu      sync.Mutex
	sockets []*Socket
	counter int
}

func NewTransport() *Transport {
	return &Transport{}
}

// Open implements wsock.Transport.
func (t *Transport) Open(sched wsock.Scheduler, url string, protocols []string, opts *wsock.DialOptions) wsock.Socket {
	t.mu.Lock()
	t.counter++
	s := &Socket{
		id:        fmt.Sprintf("fake-%d", t.counter),
		url:       url,
		Protocols: protocols,
		Options:   opts,
		sched:     sched,
		echo:      t.Echo,
	}
	s.state.Store(int32(wsock.Connecting))
	t.sockets = append(t.sockets, s)
	t.mu.Unlock()

	if t.AutoAccept {
		s.Accept()
	}
	return s
}

// Sockets returns every socket opened so far, oldest first.
func (t *Transport) Sockets() []*Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Socket, len(t.sockets))
	copy(out, t.sockets)
	return out
}

// SocketsFor returns the sockets opened for url, oldest first.
func (t *Transport) SocketsFor(url string) (out []*Socket) {
	for _, s := range t.Sockets() {
		if s.url == url {
			out = append(out, s)
		}
	}
	return
}

// Count is the number of sockets opened so far.
func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sockets)
}

// Last returns the most recently opened socket, or nil.
func (t *Transport) Last() *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sockets) == 0 {
		return nil
	}
	return t.sockets[len(t.sockets)-1]
}

// Socket is a fake physical socket. The driver methods (Accept, Receive,
// Fail, Drop) post their events on the socket's scheduler, the same way a
// real transport would.
type Socket struct {
	Protocols []string
	Options   *wsock.DialOptions

	// CloseErr, when set, is returned from Close without changing state.
	CloseErr error

	id    string
	url   string
	sched wsock.Scheduler
	echo  bool
	state atomic.Int32

	// scheduler only
	handlers wsock.Handlers

	mu         sync.Mutex
	sent       []wsock.Message
	closeCalls int
}

func (s *Socket) ID() string  { return s.id }
func (s *Socket) URL() string { return s.url }

func (s *Socket) ReadyState() wsock.ReadyState {
	return wsock.ReadyState(s.state.Load())
}

func (s *Socket) SetHandlers(h wsock.Handlers) {
	s.handlers = h
}

func (s *Socket) Send(msg wsock.Message) error {
	if s.ReadyState() != wsock.Open {
		return wsock.ErrNotOpen
	}
	if msg.Type == 0 {
		msg.Type = wsock.TextMessage
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	if s.echo {
		s.Receive(msg)
	}
	return nil
}

// Close moves to CLOSING and then reports a clean close.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	if s.CloseErr != nil {
		return s.CloseErr
	}
	switch s.ReadyState() {
	case wsock.Closing, wsock.Closed:
		return nil
	}
	s.state.Store(int32(wsock.Closing))
	s.Drop(wsock.CloseNormalClosure, "")
	return nil
}

// Accept completes the opening handshake.
func (s *Socket) Accept() {
	s.sched.Post(func() {
		if s.ReadyState() != wsock.Connecting {
			return
		}
		s.state.Store(int32(wsock.Open))
		if h := s.handlers.OnOpen; h != nil {
			h()
		}
	})
}

// Receive delivers an inbound frame.
func (s *Socket) Receive(msg wsock.Message) {
	s.sched.Post(func() {
		if s.ReadyState() == wsock.Closed {
			return
		}
		if h := s.handlers.OnMessage; h != nil {
			h(msg)
		}
	})
}

// ReceiveText delivers an inbound text frame.
func (s *Socket) ReceiveText(text string) {
	s.Receive(wsock.TextMessageOf(text))
}

// Fail reports a transport error without closing.
func (s *Socket) Fail(err error) {
	s.sched.Post(func() {
		if h := s.handlers.OnError; h != nil {
			h(err)
		}
	})
}

// Drop closes the socket from the remote side with the given code.
func (s *Socket) Drop(code int, reason string) {
	s.sched.Post(func() {
		if s.ReadyState() == wsock.Closed {
			return
		}
		s.state.Store(int32(wsock.Closed))
		if h := s.handlers.OnClose; h != nil {
			h(wsock.CloseEvent{Code: code, Reason: reason, WasClean: code == wsock.CloseNormalClosure})
		}
	})
}

// Sent returns the frames written so far.
func (s *Socket) Sent() []wsock.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wsock.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentText returns the written frames as strings.
func (s *Socket) SentText() (out []string) {
	for _, m := range s.Sent() {
		out = append(out, m.Text())
	}
	return
}

// CloseCalls counts calls to Close.
func (s *Socket) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ wsock.Transport = (*Transport)(nil)
var _ wsock.Socket = (*Socket)(nil)
