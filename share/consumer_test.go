package share

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/panyam/sockshare/wsock"
	"github.com/panyam/sockshare/wsurl"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSendQueuesUntilOpen(t *testing.T) {
	m, tr := newTestManager(t)
	c, err := m.Connect(wsurl.Static(testURL), Options{ReconnectInterval: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, c.SendText("a"))
	require.NoError(t, c.SendText("b"))
	m.Sync()

	first := tr.Last()
	require.Equal(t, wsock.Connecting, c.ReadyState())
	require.Empty(t, first.Sent())
	require.Equal(t, 2, c.Status().Queued)

	first.Accept()
	m.Sync()
	require.Equal(t, wsock.Open, c.ReadyState())
	require.Equal(t, []string{"a", "b"}, first.SentText())
	require.Zero(t, c.Status().Queued)

	require.NoError(t, c.SendText("c"))
	m.Sync()
	require.Equal(t, []string{"a", "b", "c"}, first.SentText())

	first.Drop(wsock.CloseAbnormalClosure, "gone")
	m.Sync()
	require.Equal(t, wsock.Closed, c.ReadyState())

	require.NoError(t, c.SendText("d"))
	require.NoError(t, c.SendText("e"))
	m.Sync()
	require.Equal(t, []string{"a", "b", "c"}, first.SentText(), "never drained while closed")
	require.Equal(t, 2, c.Status().Queued)

	eventually(t, func() bool { return tr.Count() == 2 })
	m.Sync()
	second := tr.Last()
	require.Equal(t, wsock.Connecting, c.ReadyState())
	require.Empty(t, second.Sent())

	second.Accept()
	m.Sync()
	require.Equal(t, []string{"d", "e"}, second.SentText())
	require.Zero(t, c.Status().Queued)
}

func TestReconnectAttemptsExhaust(t *testing.T) {
	for _, shared := range []bool{false, true} {
		name := "exclusive"
		if shared {
			name = "shared"
		}
		t.Run(name, func(t *testing.T) {
			m, tr := newTestManager(t)
			calls := &callbackLog{}
			c, err := m.Connect(wsurl.Static(testURL), calls.options(Options{
				Share:             shared,
				ReconnectAttempts: 3,
				ReconnectInterval: time.Millisecond,
				ShouldReconnect:   func(wsock.CloseEvent) bool { return true },
			}))
			require.NoError(t, err)
			m.Sync()

			for i := 1; i <= 3; i++ {
				tr.Last().Drop(wsock.CloseAbnormalClosure, "")
				eventually(t, func() bool { return tr.Count() == i+1 })
				m.Sync()
				require.Equal(t, i, c.Status().Attempts)
			}
			require.Empty(t, calls.Stops())

			tr.Last().Drop(wsock.CloseAbnormalClosure, "")
			eventually(t, func() bool { return len(calls.Stops()) == 1 })
			require.Equal(t, []int{3}, calls.Stops())

			time.Sleep(20 * time.Millisecond)
			m.Sync()
			require.Equal(t, 4, tr.Count())
			require.Equal(t, wsock.Closed, c.ReadyState())
			require.Len(t, calls.Closes(), 4)
		})
	}
}

func TestOpenResetsAttempts(t *testing.T) {
	m, tr := newTestManager(t)
	bo := &countingBackOff{delay: time.Millisecond}
	c, err := m.Connect(wsurl.Static(testURL), Options{BackOff: bo})
	require.NoError(t, err)
	m.Sync()

	tr.Last().Drop(wsock.CloseAbnormalClosure, "")
	eventually(t, func() bool { return tr.Count() == 2 })
	m.Sync()
	require.Equal(t, 1, c.Status().Attempts)

	tr.Last().Accept()
	m.Sync()
	require.Zero(t, c.Status().Attempts)
	require.Equal(t, 1, bo.resets)
}

type countingBackOff struct {
	delay  time.Duration
	calls  int
	limit  int
	resets int
}

func (b *countingBackOff) NextBackOff() time.Duration {
	b.calls++
	if b.limit > 0 && b.calls > b.limit {
		return backoff.Stop
	}
	return b.delay
}

func (b *countingBackOff) Reset() { b.resets++ }

func TestBackOffStopEndsRetries(t *testing.T) {
	m, tr := newTestManager(t)
	calls := &callbackLog{}
	_, err := m.Connect(wsurl.Static(testURL), calls.options(Options{
		BackOff: &countingBackOff{delay: time.Millisecond, limit: 1},
	}))
	require.NoError(t, err)
	m.Sync()

	tr.Last().Drop(wsock.CloseAbnormalClosure, "")
	eventually(t, func() bool { return tr.Count() == 2 })
	m.Sync()

	tr.Last().Drop(wsock.CloseAbnormalClosure, "")
	eventually(t, func() bool { return len(calls.Stops()) == 1 })
	require.Equal(t, []int{1}, calls.Stops())
	require.Equal(t, 2, tr.Count())
}

func TestShouldReconnectFalse(t *testing.T) {
	m, tr := newTestManager(t)
	calls := &callbackLog{}
	c, err := m.Connect(wsurl.Static(testURL), calls.options(Options{
		ReconnectInterval: time.Millisecond,
		ShouldReconnect:   func(ev wsock.CloseEvent) bool { return ev.Code != wsock.CloseNormalClosure },
	}))
	require.NoError(t, err)
	m.Sync()

	tr.Last().Accept()
	tr.Last().Drop(wsock.CloseNormalClosure, "bye")
	m.Sync()
	time.Sleep(10 * time.Millisecond)
	m.Sync()

	require.Equal(t, 1, tr.Count())
	require.Equal(t, wsock.Closed, c.ReadyState())
	require.Empty(t, calls.Stops(), "declining is not exhaustion")
	require.Equal(t, []wsock.CloseEvent{{Code: wsock.CloseNormalClosure, Reason: "bye", WasClean: true}}, calls.Closes())
}

func TestUnparsableJSON(t *testing.T) {
	m, tr := newTestManager(t)
	tr.AutoAccept = true
	c, err := m.Connect(wsurl.Static(testURL), Options{})
	require.NoError(t, err)
	m.Sync()

	require.Nil(t, c.LastJSONMessage())

	tr.Last().ReceiveText("{not json")
	m.Sync()

	msg, ok := c.LastMessage()
	require.True(t, ok)
	require.Equal(t, "{not json", msg.Text())
	require.True(t, c.LastJSONMessage() == UnparsableJSON)

	tr.Last().ReceiveText(`[1,2]`)
	m.Sync()
	require.Equal(t, []any{float64(1), float64(2)}, c.LastJSONMessage())
}

func TestJSONRoundTrip(t *testing.T) {
	m, tr := newTestManager(t)
	tr.AutoAccept = true
	tr.Echo = true
	c, err := m.Connect(wsurl.Static(testURL), Options{})
	require.NoError(t, err)
	m.Sync()

	require.NoError(t, c.SendJSONMessage(map[string]any{"a": 1}))
	eventually(t, func() bool { return c.LastJSONMessage() != nil })
	require.Equal(t, map[string]any{"a": float64(1)}, c.LastJSONMessage())
	require.Equal(t, []string{`{"a":1}`}, tr.Last().SentText())

	require.Error(t, c.SendJSONMessage(make(chan int)))
}

func TestTypedCodecHelpers(t *testing.T) {
	type quote struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	m, tr := newTestManager(t)
	tr.AutoAccept = true
	tr.Echo = true
	c, err := m.Connect(wsurl.Static(testURL), Options{})
	require.NoError(t, err)
	m.Sync()

	codec := wsock.TypedJSONCodec[quote, quote]{}
	_, ok, err := DecodeLast[quote](c, codec)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, SendEncoded[quote](c, codec, quote{Symbol: "BTC", Price: 1.5}))
	m.Sync()
	m.Sync()

	got, ok, err := DecodeLast[quote](c, codec)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, quote{Symbol: "BTC", Price: 1.5}, got)
}

func TestTypedCodecAsConsumerCodec(t *testing.T) {
	type quote struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	m, tr := newTestManager(t)
	tr.AutoAccept = true
	tr.Echo = true
	c, err := m.Connect(wsurl.Static(testURL), Options{
		Codec: wsock.AnyCodec[quote, quote](wsock.TypedJSONCodec[quote, quote]{}),
	})
	require.NoError(t, err)
	m.Sync()

	require.ErrorIs(t, c.SendJSONMessage("not a quote"), wsock.ErrValueType)
	require.NoError(t, c.SendJSONMessage(quote{Symbol: "ETH", Price: 2}))
	eventually(t, func() bool { return c.LastJSONMessage() != nil })
	require.Equal(t, quote{Symbol: "ETH", Price: 2}, c.LastJSONMessage())

	tr.Last().ReceiveText(`{"symbol":`)
	m.Sync()
	require.True(t, c.LastJSONMessage() == UnparsableJSON)
}

func TestSocketIOKeepAlive(t *testing.T) {
	for _, shared := range []bool{false, true} {
		t.Run(map[bool]string{false: "exclusive", true: "shared"}[shared], func(t *testing.T) {
			m, tr := newTestManager(t)
			tr.AutoAccept = true
			c, err := m.Connect(wsurl.Static("http://example.com/app"), Options{
				Share:             shared,
				FromSocketIO:      true,
				KeepAliveInterval: 5 * time.Millisecond,
			})
			require.NoError(t, err)
			m.Sync()

			require.Equal(t, "ws://example.com/app/socket.io/?EIO=3&transport=websocket", c.URL())
			sock := tr.Last()
			require.Equal(t, c.URL(), sock.URL())

			eventually(t, func() bool { return countText(sock.SentText(), wsurl.SocketIOPing) >= 3 })

			require.NoError(t, c.Deactivate())
			m.Sync()
			sent := len(sock.Sent())
			time.Sleep(30 * time.Millisecond)
			m.Sync()
			require.Equal(t, sent, len(sock.Sent()), "pings stop with the socket")
		})
	}
}

func TestQueryParamsAndDialOptions(t *testing.T) {
	m, tr := newTestManager(t)
	header := http.Header{"Authorization": []string{"Bearer x"}}
	c, err := m.Connect(wsurl.Static(testURL), Options{
		Protocols:   []string{"json"},
		Header:      header,
		QueryParams: map[string]any{"room": "lobby", "v": 2},
	})
	require.NoError(t, err)
	m.Sync()

	require.Equal(t, testURL+"?room=lobby&v=2", c.URL())
	sock := tr.Last()
	require.Equal(t, []string{"json"}, sock.Protocols)
	require.Equal(t, header, sock.Options.Header)

	// changing query params reconnects to the new URL
	opts := c.Options()
	opts.QueryParams = map[string]any{"room": "games"}
	require.NoError(t, c.SetOptions(opts))
	m.Sync()

	require.Equal(t, 2, tr.Count())
	require.Equal(t, 1, sock.CloseCalls())
	require.Equal(t, testURL+"?room=games", c.URL())
	require.Equal(t, wsock.Connecting, c.ReadyState())
}

func TestSetOptionsTakesEffectWithoutReconnect(t *testing.T) {
	m, tr := newTestManager(t)
	tr.AutoAccept = true
	first := &callbackLog{}
	second := &callbackLog{}
	c, err := m.Connect(wsurl.Static(testURL), first.options(Options{}))
	require.NoError(t, err)
	m.Sync()

	tr.Last().ReceiveText("one")
	m.Sync()
	require.NoError(t, c.SetOptions(second.options(Options{
		Filter: func(msg wsock.Message) bool { return msg.Text() != "skip" },
	})))
	tr.Last().ReceiveText("two")
	tr.Last().ReceiveText("skip")
	m.Sync()

	require.Equal(t, 1, tr.Count())
	require.Equal(t, []string{"one"}, first.Messages())
	require.Equal(t, []string{"two", "skip"}, second.Messages(), "OnMessage sees filtered messages")
	msg, _ := c.LastMessage()
	require.Equal(t, "two", msg.Text())
}

func TestDeactivate(t *testing.T) {
	m, tr := newTestManager(t)
	tr.AutoAccept = true
	calls := &callbackLog{}
	c, err := m.Connect(wsurl.Static(testURL), calls.options(Options{}))
	require.NoError(t, err)
	m.Sync()
	tr.Last().ReceiveText("hello")
	m.Sync()
	require.Equal(t, wsock.Open, c.ReadyState())

	sock := tr.Last()
	require.NoError(t, c.Deactivate())
	sock.ReceiveText("late")
	m.Sync()

	require.Equal(t, wsock.Uninstantiated, c.ReadyState())
	_, ok := c.LastMessage()
	require.False(t, ok)
	require.Nil(t, c.Socket())
	require.Equal(t, 1, sock.CloseCalls())
	require.Equal(t, []string{"hello"}, calls.Messages())
	require.Empty(t, calls.Closes(), "no callbacks after deactivation")

	// reactivating opens a fresh socket
	require.NoError(t, c.Activate())
	m.Sync()
	require.Equal(t, 2, tr.Count())
	eventually(t, func() bool { return c.ReadyState() == wsock.Open })
}

func TestNilSource(t *testing.T) {
	m, tr := newTestManager(t)
	c, err := m.Connect(nil, Options{})
	require.NoError(t, err)
	require.NoError(t, c.SendText("dropped"))
	m.Sync()

	require.Equal(t, wsock.Uninstantiated, c.ReadyState())
	require.Zero(t, tr.Count())
	require.Zero(t, c.Status().Queued)
	require.Nil(t, c.Socket())
}

func TestRetryOnError(t *testing.T) {
	m, tr := newTestManager(t)
	calls := &callbackLog{}
	boom := errors.New("boom")
	c, err := m.Connect(wsurl.Static(testURL), calls.options(Options{
		RetryOnError:      true,
		ReconnectInterval: time.Millisecond,
		ShouldReconnect:   func(wsock.CloseEvent) bool { return false },
	}))
	require.NoError(t, err)
	m.Sync()
	tr.Last().Accept()

	tr.Last().Fail(boom)
	eventually(t, func() bool { return tr.Count() == 2 })
	m.Sync()

	require.Equal(t, []error{boom}, calls.Errors())
	require.Len(t, calls.Closes(), 1)
	require.Equal(t, 1, c.Status().Attempts)

	// a plain close is still declined
	tr.Last().Drop(wsock.CloseAbnormalClosure, "")
	time.Sleep(10 * time.Millisecond)
	m.Sync()
	require.Equal(t, 2, tr.Count())
}

func TestExclusiveSocketHandle(t *testing.T) {
	m, tr := newTestManager(t)
	c, err := m.Connect(wsurl.Static(testURL), Options{ReconnectInterval: time.Millisecond})
	require.NoError(t, err)
	m.Sync()

	require.Same(t, tr.Last(), c.Socket())

	// closing the raw socket goes through the reconnect policy
	tr.Last().Accept()
	m.Sync()
	require.NoError(t, c.Socket().Close())
	eventually(t, func() bool { return tr.Count() == 2 })
}

func TestRestart(t *testing.T) {
	m, tr := newTestManager(t)
	c, err := m.Connect(wsurl.Static(testURL), Options{})
	require.NoError(t, err)
	m.Sync()
	first := tr.Last()
	first.Accept()
	m.Sync()

	require.NoError(t, c.Restart())
	m.Sync()
	require.Equal(t, 2, tr.Count())
	require.Equal(t, 1, first.CloseCalls())
	require.Equal(t, wsock.Connecting, c.ReadyState())

	// the old socket's close is not reported, so it cannot start a reconnect
	time.Sleep(10 * time.Millisecond)
	m.Sync()
	require.Equal(t, 2, tr.Count())
}

func TestFutureSource(t *testing.T) {
	m, tr := newTestManager(t)
	release := make(chan struct{})
	src := wsurl.Future(func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return testURL, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	c, err := m.Connect(src, Options{})
	require.NoError(t, err)
	m.Sync()

	require.Equal(t, wsock.Connecting, c.ReadyState())
	require.Zero(t, tr.Count())

	close(release)
	eventually(t, func() bool { return tr.Count() == 1 })
	m.Sync()
	require.Equal(t, testURL, c.URL())
}

func TestFutureSourceFailureRetries(t *testing.T) {
	m, tr := newTestManager(t)
	calls := &callbackLog{}
	attempts := 0
	src := wsurl.Future(func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("discovery unavailable")
		}
		return testURL, nil
	})
	_, err := m.Connect(src, calls.options(Options{ReconnectInterval: time.Millisecond}))
	require.NoError(t, err)

	eventually(t, func() bool { return tr.Count() == 1 })
	require.Len(t, calls.Errors(), 2)
}

func TestUnresolvableSourceEndsClosed(t *testing.T) {
	m, tr := newTestManager(t)
	calls := &callbackLog{}
	var hang atomic.Bool
	src := wsurl.Future(func(ctx context.Context) (string, error) {
		if hang.Load() {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "", errors.New("discovery unavailable")
	})
	c, err := m.Connect(src, calls.options(Options{
		ReconnectInterval: time.Millisecond,
		ReconnectAttempts: 1,
	}))
	require.NoError(t, err)

	eventually(t, func() bool { return len(calls.Stops()) == 1 })
	m.Sync()
	require.Equal(t, []int{1}, calls.Stops())
	require.Len(t, calls.Errors(), 2)
	require.Zero(t, tr.Count())
	require.Equal(t, wsock.Closed, c.ReadyState())
	require.Equal(t, "CLOSED", c.Status().ReadyState)

	// a later restart resolves again and reads CONNECTING meanwhile
	hang.Store(true)
	require.NoError(t, c.Restart())
	m.Sync()
	require.Equal(t, wsock.Connecting, c.ReadyState())

	require.NoError(t, c.Deactivate())
	m.Sync()
	require.Equal(t, wsock.Uninstantiated, c.ReadyState())
}

func TestDeactivateCancelsPendingResolution(t *testing.T) {
	m, tr := newTestManager(t)
	resolved := make(chan struct{})
	src := wsurl.Future(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(resolved)
		return "", ctx.Err()
	})
	c, err := m.Connect(src, Options{})
	require.NoError(t, err)
	m.Sync()
	require.NoError(t, c.Deactivate())

	select {
	case <-resolved:
	case <-time.After(time.Second):
		t.Fatal("resolution was not cancelled")
	}
	m.Sync()
	require.Zero(t, tr.Count())
	require.Equal(t, wsock.Uninstantiated, c.ReadyState())
}

func TestManagerConsumers(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.NewConsumer(wsurl.Static(testURL), Options{})
	b := m.NewConsumer(wsurl.Static(testURL), Options{})
	require.Equal(t, []*Consumer{a, b}, m.Consumers())
	require.NotEqual(t, a.ID(), b.ID())

	got, ok := m.Consumer(b.ID())
	require.True(t, ok)
	require.Same(t, b, got)

	require.NoError(t, a.Close())
	m.Sync()
	require.Equal(t, []*Consumer{b}, m.Consumers())
	_, ok = m.Consumer(a.ID())
	require.False(t, ok)
}

func TestManagerClose(t *testing.T) {
	m, tr := newTestManager(t)
	tr.AutoAccept = true
	c, err := m.Connect(wsurl.Static(testURL), Options{Share: true})
	require.NoError(t, err)
	m.Sync()
	sock := tr.Last()

	m.Close()
	require.Equal(t, 1, sock.CloseCalls())
	require.Zero(t, m.Registry().Len())
	require.ErrorIs(t, c.SendText("x"), ErrManagerClosed)
	require.ErrorIs(t, c.Activate(), ErrManagerClosed)
	m.Close()
}
