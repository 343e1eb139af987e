package wsock_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/panyam/sockshare/wsock"
	"github.com/stretchr/testify/require"
)

type order struct {
	Item string `json:"item"`
	Qty  int    `json:"qty"`
}

type receipt struct {
	Item  string `json:"item,omitempty"`
	Total int    `json:"total,omitempty"`
	Error string `json:"error,omitempty"`
}

type orderConn struct {
	wsock.BaseConn[order, receipt]
	total  int
	closed *atomic.Int32
}

func (c *orderConn) HandleMessage(o order) error {
	if o.Qty < 0 {
		c.Close(4001, "negative quantity")
		return nil
	}
	c.total += o.Qty
	c.Send(receipt{Item: o.Item, Total: c.total})
	return nil
}

func (c *orderConn) OnError(err error) error {
	c.Send(receipt{Error: "bad order"})
	return nil
}

func (c *orderConn) OnClose() {
	c.closed.Add(1)
	c.BaseConn.OnClose()
}

func newOrderServer(t *testing.T, config *wsock.ServeConfig) (string, *atomic.Int32) {
	closed := &atomic.Int32{}
	acceptor := wsock.AcceptFunc[order](func(w http.ResponseWriter, r *http.Request) (wsock.ServerConn[order], bool) {
		if r.URL.Query().Get("token") != "ok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return nil, false
		}
		return &orderConn{
			BaseConn: wsock.BaseConn[order, receipt]{Codec: wsock.TypedJSONCodec[order, receipt]{}},
			closed:   closed,
		}, true
	})
	server := httptest.NewServer(wsock.Serve[order](acceptor, config))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), closed
}

func dialOrders(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func TestServe_TypedRoundTrip(t *testing.T) {
	url, closed := newOrderServer(t, nil)
	conn := dialOrders(t, url+"?token=ok")

	require.NoError(t, conn.WriteJSON(order{Item: "tea", Qty: 2}))
	require.NoError(t, conn.WriteJSON(order{Item: "cake", Qty: 3}))

	var r receipt
	require.NoError(t, conn.ReadJSON(&r))
	require.Equal(t, receipt{Item: "tea", Total: 2}, r)
	require.NoError(t, conn.ReadJSON(&r))
	require.Equal(t, receipt{Item: "cake", Total: 5}, r)

	// undecodable frames go to OnError and the connection carries on
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	r = receipt{}
	require.NoError(t, conn.ReadJSON(&r))
	require.Equal(t, "bad order", r.Error)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return closed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestServe_ServerInitiatedClose(t *testing.T) {
	url, closed := newOrderServer(t, nil)
	conn := dialOrders(t, url+"?token=ok")

	require.NoError(t, conn.WriteJSON(order{Item: "tea", Qty: -1}))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, 4001, ce.Code)
	require.Equal(t, "negative quantity", ce.Text)
	require.Eventually(t, func() bool { return closed.Load() == 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestServe_RejectedUpgrade(t *testing.T) {
	url, closed := newOrderServer(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=no", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, closed.Load())
}

func TestServe_Pings(t *testing.T) {
	config := wsock.DefaultServeConfig()
	config.PingPeriod = 10 * time.Millisecond
	url, _ := newOrderServer(t, config)
	conn := dialOrders(t, url+"?token=ok")

	var pings atomic.Int32
	conn.SetPingHandler(func(string) error {
		pings.Add(1)
		return nil
	})
	// pings are only handled while reading
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}
