// Package wsurl turns a consumer's URL source into the final string used to
// dial and to key shared sockets.
//
// A source is either a static string, a function returning a string, or a
// function that may block (a future). Function sources are invoked on every
// connection attempt and never cached, so a reconnect picks up whatever the
// function returns at that time.
package wsurl

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoSource is returned when there is nothing to resolve, or the source
// produced an empty URL.
var ErrNoSource = errors.New("wsurl: no url source")

// Source produces the target URL of a consumer.
type Source interface {
	Resolve(ctx context.Context) (string, error)

	// Deferred reports whether Resolve may block and must be called off the
	// event loop.
	Deferred() bool
}

// Static is a fixed URL.
type Static string

func (s Static) Resolve(ctx context.Context) (string, error) { return string(s), nil }
func (s Static) Deferred() bool                              { return false }

// Func is a URL computed synchronously on every connection attempt.
type Func func() string

func (f Func) Resolve(ctx context.Context) (string, error) { return f(), nil }
func (f Func) Deferred() bool                              { return false }

// Future is a URL computed asynchronously, for example by asking a discovery
// service. It must honor ctx.
type Future func(ctx context.Context) (string, error)

func (f Future) Resolve(ctx context.Context) (string, error) { return f(ctx) }
func (f Future) Deferred() bool                              { return true }

// Params are the URL-affecting consumer options.
type Params struct {
	// FromSocketIO rewrites the URL to the Socket.IO websocket handshake
	// endpoint.
	FromSocketIO bool

	// QueryParams are appended to the URL in sorted key order.
	QueryParams map[string]any
}

// Resolve runs src and applies the rewrites in p. The Socket.IO rewrite runs
// first, then query params are appended.
func Resolve(ctx context.Context, src Source, p Params) (string, error) {
	if src == nil {
		return "", ErrNoSource
	}
	raw, err := src.Resolve(ctx)
	if err != nil {
		return "", errors.Wrap(err, "resolving url")
	}
	return Apply(raw, p)
}

// Apply applies the rewrites in p to an already resolved URL.
func Apply(raw string, p Params) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoSource
	}
	out := raw
	if p.FromSocketIO {
		out = SocketIOURL(out)
	}
	if len(p.QueryParams) > 0 {
		out = AppendQueryParams(out, p.QueryParams)
	}
	return out, nil
}
