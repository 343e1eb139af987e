// Package share manages websocket connections for many independent
// consumers.
//
// A Consumer asks for a URL. With Options.Share set, consumers whose URLs
// resolve to the same string use one physical socket: the first one opens it
// and registers it in the Manager's Registry, later ones join it, and the
// socket is closed and evicted as soon as its last subscriber leaves. Without
// sharing each consumer owns its socket.
//
// Every socket event is fanned out to the current subscribers with their own
// callbacks and filter. When a socket closes, the reconnect policy
// (ShouldReconnect, ReconnectAttempts, ReconnectInterval or BackOff) decides
// whether to restart. A shared socket evaluates the policy once per close,
// then restarts all approving subscribers together so they converge on a
// single new socket.
//
// Messages sent before the socket is OPEN are queued per consumer and
// replayed, in order, the next time that consumer's ready state becomes OPEN.
//
// All of this runs on one eventloop.Loop. Transport events, backoff timers
// and consumer operations are tasks on that loop, so the registry, the
// subscriber sets and every consumer's state change in a single order and
// never concurrently. Callbacks in Options run on the loop and must not
// block or call Manager.Sync.
//
//	m := share.NewManager(share.Config{})
//	defer m.Close()
//
//	c, _ := m.Connect(wsurl.Static("wss://example.com/feed"), share.Options{
//		Share:             true,
//		ReconnectAttempts: 10,
//		OnMessage: func(msg wsock.Message) {
//			log.Info().Str("data", msg.Text()).Msg("received")
//		},
//	})
//	c.SendJSONMessage(map[string]any{"subscribe": "ticker"})
package share
