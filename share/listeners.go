package share

import (
	"time"

	"github.com/panyam/sockshare/eventloop"
	"github.com/panyam/sockshare/metrics"
	"github.com/panyam/sockshare/wsock"
	"github.com/panyam/sockshare/wsurl"
	"github.com/rs/zerolog"
)

// attachExclusive wires socket to a single subscriber and returns its
// teardown.
func (m *Manager) attachExclusive(url string, socket wsock.Socket, sub *Subscriber) func() {
	logger := m.logger.With().Str("url", url).Str("socket", socket.ID()).Logger()

	var pending, keepAlive *eventloop.Timer
	retryOnClose := false

	if opts := sub.Options.Load(); opts.FromSocketIO {
		keepAlive = m.startKeepAlive(socket, opts.keepAliveInterval(), logger)
	}

	socket.SetHandlers(wsock.Handlers{
		OnOpen: func() {
			m.metrics.Event("open", metrics.ModeExclusive)
			opts := sub.Options.Load()
			sub.SetReadyState(wsock.Open)
			resetBackOff(opts, sub.Attempts)
			if opts.OnOpen != nil {
				opts.OnOpen()
			}
		},
		OnMessage: func(msg wsock.Message) {
			m.metrics.Message(metrics.DirectionIn)
			deliver(sub, sub.Options.Load(), msg)
		},
		OnError: func(err error) {
			m.metrics.Event("error", metrics.ModeExclusive)
			logger.Debug().Err(err).Msg("socket error")
			opts := sub.Options.Load()
			if opts.OnError != nil {
				opts.OnError(err)
			}
			if opts.RetryOnError {
				retryOnClose = true
				closeAfterError(socket, logger)
			}
		},
		OnClose: func(ev wsock.CloseEvent) {
			m.metrics.Event("close", metrics.ModeExclusive)
			keepAlive.Stop()
			opts := sub.Options.Load()
			sub.SetReadyState(wsock.Closed)
			if opts.OnClose != nil {
				opts.OnClose(ev)
			}

			forced := retryOnClose
			retryOnClose = false
			if pending != nil && !pending.Stopped() {
				return
			}
			switch v, delay := evaluateReconnect(opts, sub.Attempts, ev, forced); v {
			case verdictRetry:
				m.metrics.Reconnect(metrics.ReconnectScheduled)
				logger.Info().Int("attempt", sub.Attempts.Get()).Int("code", ev.Code).Dur("delay", delay).Msg("reconnecting")
				pending = m.loop.AfterFunc(delay, sub.Restart.Restart)
			case verdictExhausted:
				m.metrics.Reconnect(metrics.ReconnectExhausted)
				logger.Warn().Int("attempt", sub.Attempts.Get()).Msg("giving up reconnecting")
				reportExhausted(opts, sub.Attempts)
			}
		},
	})

	return func() {
		sub.SetReadyState(wsock.Closing)
		pending.Stop()
		keepAlive.Stop()
		socket.SetHandlers(wsock.Handlers{})
		if err := socket.Close(); err != nil {
			logger.Debug().Err(err).Msg("closing socket on teardown")
		}
	}
}

// deliver hands msg to one subscriber. OnMessage sees every message; the
// filter only decides whether it becomes the last message.
func deliver(sub *Subscriber, opts *Options, msg wsock.Message) {
	if opts.OnMessage != nil {
		opts.OnMessage(msg)
	}
	if opts.accepts(msg) {
		sub.SetLastMessage(msg)
	}
}

// closeAfterError forces the close that turns a RetryOnError error into a
// reconnect.
func closeAfterError(socket wsock.Socket, logger zerolog.Logger) {
	switch socket.ReadyState() {
	case wsock.Connecting, wsock.Open:
		if err := socket.Close(); err != nil {
			logger.Debug().Err(err).Msg("closing socket after error")
		}
	}
}

// startKeepAlive sends the Socket.IO ping while socket is OPEN.
func (m *Manager) startKeepAlive(socket wsock.Socket, interval time.Duration, logger zerolog.Logger) *eventloop.Timer {
	ping := wsock.TextMessageOf(wsurl.SocketIOPing)
	return m.loop.Every(interval, func() {
		if socket.ReadyState() != wsock.Open {
			return
		}
		if err := socket.Send(ping); err != nil {
			logger.Debug().Err(err).Msg("keep-alive ping failed")
		}
	})
}
