package share

import "github.com/panyam/sockshare/wsock"

// sharedView is what a shared consumer gets from Socket. It forwards to
// whichever socket currently serves the URL. Close restarts only this
// consumer, since the socket belongs to every subscriber.
type sharedView struct {
	c   *Consumer
	url string
}

func (v *sharedView) socket() wsock.Socket {
	s, _ := v.c.m.registry.Get(v.url)
	return s
}

func (v *sharedView) ID() string {
	if s := v.socket(); s != nil {
		return s.ID()
	}
	return ""
}

func (v *sharedView) URL() string { return v.url }

func (v *sharedView) ReadyState() wsock.ReadyState {
	if s := v.socket(); s != nil {
		return s.ReadyState()
	}
	return wsock.Closed
}

func (v *sharedView) Send(msg wsock.Message) error {
	s := v.socket()
	if s == nil {
		return wsock.ErrNotOpen
	}
	return s.Send(msg)
}

func (v *sharedView) Close() error {
	return v.c.Restart()
}

func (v *sharedView) SetHandlers(wsock.Handlers) {
	v.c.logger.Warn().Str("url", v.url).Msg("ignoring SetHandlers on a shared socket, set callbacks in Options")
}

var _ wsock.Socket = (*sharedView)(nil)
