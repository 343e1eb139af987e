package wsocktest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/panyam/sockshare/wsock"
)

// CloseRequested is the code the echo server closes with when asked to.
const CloseRequested = 4000

// Server is an httptest websocket server that echoes every frame back.
// A text frame "close" makes the server close the connection with code 4000.
type Server struct {
	*httptest.Server

	// URL of the websocket endpoint (ws:// scheme).
	WSURL string

	connections atomic.Int32
	active      atomic.Int32
	protocols   atomic.Value
}

// NewEchoServer starts an echo server and registers its shutdown with t.
func NewEchoServer(t testing.TB) *Server {
	s := &Server{}
	config := wsock.DefaultServeConfig()
	config.Upgrader.Subprotocols = []string{"chat", "json"}
	s.Server = httptest.NewServer(wsock.Serve[wsock.Message](s, config))
	s.WSURL = "ws" + strings.TrimPrefix(s.Server.URL, "http")
	t.Cleanup(s.Close)
	return s
}

// Connections is the number of upgrades served so far.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Active is the number of connections currently open.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// LastProtocol is the subprotocol negotiated by the latest connection.
func (s *Server) LastProtocol() string {
	v, _ := s.protocols.Load().(string)
	return v
}

func (s *Server) Validate(w http.ResponseWriter, r *http.Request) (wsock.ServerConn[wsock.Message], bool) {
	return &echoConn{
		BaseConn: wsock.BaseConn[wsock.Message, wsock.Message]{
			Codec:   wsock.RawCodec{},
			NameStr: "echo",
		},
		server: s,
	}, true
}

type echoConn struct {
	wsock.BaseConn[wsock.Message, wsock.Message]
	server *Server
}

func (c *echoConn) OnStart(conn *websocket.Conn) error {
	if err := c.BaseConn.OnStart(conn); err != nil {
		return err
	}
	c.server.connections.Add(1)
	c.server.active.Add(1)
	c.server.protocols.Store(conn.Subprotocol())
	return nil
}

func (c *echoConn) HandleMessage(msg wsock.Message) error {
	if msg.Type == wsock.TextMessage && msg.Text() == "close" {
		c.Close(CloseRequested, "asked to close")
		return nil
	}
	c.Send(msg)
	return nil
}

func (c *echoConn) OnClose() {
	c.server.active.Add(-1)
	c.BaseConn.OnClose()
}
