package share

import (
	"net/http"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/panyam/sockshare/wsock"
	"github.com/panyam/sockshare/wsurl"
)

// DefaultReconnectInterval is the fixed delay between reconnect attempts when
// Options.ReconnectInterval is zero.
const DefaultReconnectInterval = 5 * time.Second

// Options configure one consumer. They are read at dispatch time through an
// OptionsRef, so callbacks and reconnect policy can change while the consumer
// stays attached.
type Options struct {
	// Share lets consumers with the same resolved URL use one physical socket.
	Share bool

	// Protocols and Header are passed to the transport verbatim.
	Protocols []string
	Header    http.Header

	OnOpen    func()
	OnClose   func(wsock.CloseEvent)
	OnMessage func(wsock.Message)
	OnError   func(error)

	// OnReconnectStop is called with the attempt count once the attempt limit
	// is reached.
	OnReconnectStop func(attempts int)

	// ShouldReconnect decides whether a close should be followed by a
	// reconnect. Nil means always.
	ShouldReconnect func(wsock.CloseEvent) bool

	// RetryOnError treats a transport error like an unexpected close.
	RetryOnError bool

	// ReconnectInterval is the fixed delay before each reconnect attempt.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// ReconnectAttempts caps consecutive reconnect attempts. Zero means no
	// cap.
	ReconnectAttempts int

	// BackOff, when set, replaces ReconnectInterval as the delay source. It is
	// Reset on every OPEN, and returning backoff.Stop ends the retries the
	// same way reaching ReconnectAttempts does.
	BackOff backoff.BackOff

	// Filter decides which messages update LastMessage. OnMessage sees every
	// message regardless.
	Filter func(wsock.Message) bool

	// FromSocketIO rewrites the URL to the Socket.IO handshake endpoint and
	// sends a keep-alive ping on the socket.
	FromSocketIO bool

	// KeepAliveInterval overrides the Socket.IO ping interval.
	KeepAliveInterval time.Duration

	// QueryParams are appended to the resolved URL.
	QueryParams map[string]any

	// Codec encodes SendJSONMessage values and decodes LastJSONMessage.
	// Wrap a typed codec with wsock.AnyCodec to use it here.
	// Default: wsock.JSONCodec.
	Codec wsock.Codec[any, any]
}

func (o *Options) shouldReconnect(ev wsock.CloseEvent) bool {
	return o.ShouldReconnect == nil || o.ShouldReconnect(ev)
}

func (o *Options) accepts(msg wsock.Message) bool {
	return o.Filter == nil || o.Filter(msg)
}

func (o *Options) reconnectInterval() time.Duration {
	if o.ReconnectInterval > 0 {
		return o.ReconnectInterval
	}
	return DefaultReconnectInterval
}

func (o *Options) keepAliveInterval() time.Duration {
	if o.KeepAliveInterval > 0 {
		return o.KeepAliveInterval
	}
	return wsurl.SocketIOPingInterval
}

func (o *Options) codec() wsock.Codec[any, any] {
	if o.Codec != nil {
		return o.Codec
	}
	return defaultCodec
}

func (o *Options) urlParams() wsurl.Params {
	return wsurl.Params{FromSocketIO: o.FromSocketIO, QueryParams: o.QueryParams}
}

func (o *Options) dialOptions() *wsock.DialOptions {
	if o.Header == nil {
		return nil
	}
	return &wsock.DialOptions{Header: o.Header}
}

// needsRestart reports whether moving from o to next changes how the
// consumer connects.
func (o *Options) needsRestart(next *Options) bool {
	return o.Share != next.Share ||
		o.FromSocketIO != next.FromSocketIO ||
		!reflect.DeepEqual(o.QueryParams, next.QueryParams)
}

var defaultCodec wsock.Codec[any, any] = wsock.JSONCodec{}

// OptionsRef is the live configuration of a consumer. Every event reads the
// current value, so Store takes effect from the next event on.
type OptionsRef struct {
	current atomic.Pointer[Options]
}

// NewOptionsRef holds a copy of opts.
func NewOptionsRef(opts Options) *OptionsRef {
	r := &OptionsRef{}
	r.Store(opts)
	return r
}

func (r *OptionsRef) Load() *Options {
	return r.current.Load()
}

func (r *OptionsRef) Store(opts Options) {
	r.current.Store(&opts)
}
