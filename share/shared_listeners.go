package share

import (
	"time"

	"github.com/panyam/sockshare/metrics"
	"github.com/panyam/sockshare/wsock"
	"github.com/rs/zerolog"
)

// attachShared wires a shared socket once for its whole lifetime. Every event
// is re-dispatched to the URL's current subscribers, each with its own
// options. creator supplies the socket-wide settings (keep-alive).
func (m *Manager) attachShared(url string, socket wsock.Socket, creator *Options) {
	logger := m.logger.With().Str("url", url).Str("socket", socket.ID()).Logger()

	each := func(fn func(sub *Subscriber, opts *Options)) {
		for _, sub := range m.subscribers.List(url) {
			// an earlier callback may have detached it
			if !m.subscribers.Contains(url, sub) {
				continue
			}
			fn(sub, sub.Options.Load())
		}
	}

	socket.SetHandlers(wsock.Handlers{
		OnOpen: func() {
			m.metrics.Event("open", metrics.ModeShared)
			each(func(sub *Subscriber, opts *Options) {
				sub.SetReadyState(wsock.Open)
				resetBackOff(opts, sub.Attempts)
				if opts.OnOpen != nil {
					opts.OnOpen()
				}
			})
		},
		OnMessage: func(msg wsock.Message) {
			m.metrics.Message(metrics.DirectionIn)
			each(func(sub *Subscriber, opts *Options) {
				deliver(sub, opts, msg)
			})
		},
		OnError: func(err error) {
			m.metrics.Event("error", metrics.ModeShared)
			logger.Debug().Err(err).Msg("socket error")
			retry := false
			each(func(sub *Subscriber, opts *Options) {
				if opts.OnError != nil {
					opts.OnError(err)
				}
				if opts.RetryOnError {
					sub.retryOnClose = true
					retry = true
				}
			})
			if retry {
				closeAfterError(socket, logger)
			}
		},
		OnClose: func(ev wsock.CloseEvent) {
			m.metrics.Event("close", metrics.ModeShared)
			// a dead socket never stays registered
			m.registry.deleteSocket(url, socket)
			m.updateGauges()

			each(func(sub *Subscriber, opts *Options) {
				sub.SetReadyState(wsock.Closed)
				if opts.OnClose != nil {
					opts.OnClose(ev)
				}
			})

			subs := m.subscribers.List(url)
			if len(subs) == 0 {
				return
			}
			m.reconnectShared(url, subs, ev, logger)
		},
	})

	if creator.FromSocketIO {
		m.registry.setKeepAlive(url, m.startKeepAlive(socket, creator.keepAliveInterval(), logger))
	}
}

// reconnectShared evaluates the policy once for the closed socket. Every
// subscriber whose policy approves counts an attempt, and all of them are
// restarted together after the shortest approved delay: the first restart
// opens the new socket and the rest join it.
func (m *Manager) reconnectShared(url string, subs []*Subscriber, ev wsock.CloseEvent, logger zerolog.Logger) {
	var batch []*Subscriber
	delay := time.Duration(-1)
	for _, sub := range subs {
		opts := sub.Options.Load()
		forced := sub.retryOnClose
		sub.retryOnClose = false

		switch v, d := evaluateReconnect(opts, sub.Attempts, ev, forced); v {
		case verdictRetry:
			batch = append(batch, sub)
			if delay < 0 || d < delay {
				delay = d
			}
		case verdictExhausted:
			m.metrics.Reconnect(metrics.ReconnectExhausted)
			logger.Warn().Int("attempt", sub.Attempts.Get()).Msg("subscriber gave up reconnecting")
			reportExhausted(opts, sub.Attempts)
		}
	}
	if len(batch) == 0 {
		return
	}

	m.metrics.Reconnect(metrics.ReconnectScheduled)
	logger.Info().Int("subscribers", len(batch)).Int("code", ev.Code).Dur("delay", delay).Msg("reconnecting shared socket")
	m.loop.AfterFunc(delay, func() {
		for _, sub := range batch {
			if m.subscribers.Contains(url, sub) {
				sub.Restart.Restart()
			}
		}
	})
}
