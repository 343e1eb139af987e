package share

import (
	"github.com/panyam/sockshare/metrics"
	"github.com/panyam/sockshare/wsock"
)

// attachment is one consumer's hold on a physical socket.
type attachment struct {
	url    string
	shared bool

	// exclusive mode only; shared sockets are looked up in the registry so a
	// subscriber always sees the socket currently serving its URL
	socket wsock.Socket

	// ready state to report once the attachment is installed
	initial wsock.ReadyState

	detach func()
}

func (a *attachment) current(reg *Registry) wsock.Socket {
	if !a.shared {
		return a.socket
	}
	s, _ := reg.Get(a.url)
	return s
}

// createOrJoin gives sub a physical socket for url. In shared mode an
// existing registry entry is joined; otherwise a socket is opened, and for
// shared mode registered before anything else can look. The lookup and the
// open happen in the same loop task, so concurrent activations converge on
// one socket.
func (m *Manager) createOrJoin(url string, sub *Subscriber) *attachment {
	opts := sub.Options.Load()

	if !opts.Share {
		socket := m.transport.Open(m.loop, url, opts.Protocols, opts.dialOptions())
		m.metrics.SocketOpened(metrics.ModeExclusive)
		m.logger.Debug().Str("url", url).Str("socket", socket.ID()).Msg("opened exclusive socket")
		return &attachment{
			url:     url,
			socket:  socket,
			initial: wsock.Connecting,
			detach:  m.attachExclusive(url, socket, sub),
		}
	}

	initial := wsock.Connecting
	if existing, ok := m.registry.Get(url); ok {
		initial = existing.ReadyState()
	} else {
		socket := m.transport.Open(m.loop, url, opts.Protocols, opts.dialOptions())
		m.registry.Set(url, socket)
		m.metrics.SocketOpened(metrics.ModeShared)
		m.logger.Debug().Str("url", url).Str("socket", socket.ID()).Msg("opened shared socket")
		m.attachShared(url, socket, opts)
	}
	m.subscribers.Add(url, sub)
	m.updateGauges()

	return &attachment{
		url:     url,
		shared:  true,
		initial: initial,
		detach:  func() { m.leaveShared(url, sub) },
	}
}

// leaveShared removes sub and closes the socket once nobody is left. The
// socket's handlers are dropped first so its close cannot reach consumers
// that already left. Close errors are logged and otherwise ignored.
func (m *Manager) leaveShared(url string, sub *Subscriber) {
	if !m.subscribers.Remove(url, sub) {
		return
	}
	if !m.subscribers.Has(url) {
		if socket, ok := m.registry.Get(url); ok {
			socket.SetHandlers(wsock.Handlers{})
			if err := socket.Close(); err != nil {
				m.logger.Debug().Err(err).Str("url", url).Msg("closing unused shared socket")
			}
			m.registry.Delete(url)
			m.logger.Debug().Str("url", url).Str("socket", socket.ID()).Msg("evicted shared socket")
		}
	}
	m.updateGauges()
}
