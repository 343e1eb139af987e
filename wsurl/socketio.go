package wsurl

import (
	"regexp"
	"strings"
	"time"
)

const (
	// SocketIOPath is the Engine.IO v3 websocket handshake endpoint.
	SocketIOPath = "/socket.io/?EIO=3&transport=websocket"

	// SocketIOPing is the Engine.IO ping packet.
	SocketIOPing = "2"

	// SocketIOPingInterval is how often SocketIOPing is sent on a Socket.IO
	// socket.
	SocketIOPingInterval = 25 * time.Second
)

var (
	secureScheme = regexp.MustCompile(`^(https|wss)`)
	anyScheme    = regexp.MustCompile(`^(https?|wss?)(://)?`)
)

// SocketIOURL rewrites an http(s) or ws(s) URL to the Socket.IO handshake
// endpoint on the same host and path:
//
//	SocketIOURL("https://example.com/app/") // "wss://example.com/app/socket.io/?EIO=3&transport=websocket"
func SocketIOURL(rawURL string) string {
	if rawURL == "" {
		return rawURL
	}
	scheme := "ws"
	if secureScheme.MatchString(rawURL) {
		scheme = "wss"
	}
	rest := anyScheme.ReplaceAllString(rawURL, "")
	rest = strings.TrimSuffix(rest, "/")
	return scheme + "://" + rest + SocketIOPath
}

// Normalize converts an HTTP(S) URL to its WebSocket equivalent.
// It performs the following transformations:
//   - Removes a trailing slash
//   - Converts "http:" to "ws:"
//   - Converts "https:" to "wss:"
//
// URLs that are already WebSocket URLs are returned unchanged after removing
// any trailing slash.
//
// Example:
//
//	Normalize("https://example.com/ws/") // "wss://example.com/ws"
func Normalize(httpOrWsURL string) string {
	httpOrWsURL = strings.TrimSuffix(httpOrWsURL, "/")
	switch {
	case strings.HasPrefix(httpOrWsURL, "http:"):
		return "ws:" + httpOrWsURL[len("http:"):]
	case strings.HasPrefix(httpOrWsURL, "https:"):
		return "wss:" + httpOrWsURL[len("https:"):]
	}
	return httpOrWsURL
}
