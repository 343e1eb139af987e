package share

import (
	"sync"
	"testing"
	"time"

	"github.com/panyam/sockshare/metrics"
	"github.com/panyam/sockshare/wsock"
	"github.com/panyam/sockshare/wsock/wsocktest"
	"github.com/stretchr/testify/require"
)

const testURL = "ws://example.com/feed"

func newTestManager(t *testing.T) (*Manager, *wsocktest.Transport) {
	t.Helper()
	tr := wsocktest.NewTransport()
	m := NewManager(Config{Transport: tr, Metrics: metrics.New(nil)})
	t.Cleanup(m.Close)
	return m, tr
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msgAndArgs...)
}

// callbackLog records callback invocations made on the loop so the test goroutine
// can read them.
type callbackLog struct {
	mu       sync.Mutex
	opens    int
	messages []string
	errors   []error
	closes   []wsock.CloseEvent
	stops    []int
}

func (l *callbackLog) options(o Options) Options {
	o.OnOpen = func() {
		l.mu.Lock()
		l.opens++
		l.mu.Unlock()
	}
	o.OnMessage = func(msg wsock.Message) {
		l.mu.Lock()
		l.messages = append(l.messages, msg.Text())
		l.mu.Unlock()
	}
	o.OnError = func(err error) {
		l.mu.Lock()
		l.errors = append(l.errors, err)
		l.mu.Unlock()
	}
	o.OnClose = func(ev wsock.CloseEvent) {
		l.mu.Lock()
		l.closes = append(l.closes, ev)
		l.mu.Unlock()
	}
	o.OnReconnectStop = func(n int) {
		l.mu.Lock()
		l.stops = append(l.stops, n)
		l.mu.Unlock()
	}
	return o
}

func (l *callbackLog) Opens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

func (l *callbackLog) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

func (l *callbackLog) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errors...)
}

func (l *callbackLog) Closes() []wsock.CloseEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]wsock.CloseEvent(nil), l.closes...)
}

func (l *callbackLog) Stops() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.stops...)
}

func countText(msgs []string, want string) (n int) {
	for _, m := range msgs {
		if m == want {
			n++
		}
	}
	return
}
