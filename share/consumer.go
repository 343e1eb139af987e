package share

import (
	"sync"
	"sync/atomic"

	"github.com/panyam/sockshare/metrics"
	"github.com/panyam/sockshare/wsock"
	"github.com/panyam/sockshare/wsurl"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// UnparsableJSON is what LastJSONMessage returns when the last message could
// not be decoded. Compare with ==.
var UnparsableJSON = wsock.Unparsable

// Consumer is one independent user of a websocket URL. All methods are safe
// to call from any goroutine. Operations that change state are queued on the
// manager's loop and return before they have run; readers return the state
// as of the last processed event.
type Consumer struct {
	id       string
	m        *Manager
	source   wsurl.Source
	opts     *OptionsRef
	attempts *Attempts
	logger   zerolog.Logger

	// loop only
	active    bool
	sess      *session
	queue     []wsock.Message
	projected wsock.ReadyState

	queued atomic.Int32

	mu         sync.Mutex
	enabled    bool
	failed     bool // the url could not be resolved
	url        string
	states     map[string]wsock.ReadyState
	last       wsock.Last[any]
	attachment *attachment
	proxy      *sharedView
}

func newConsumer(m *Manager, id string, src wsurl.Source, opts Options) *Consumer {
	c := &Consumer{
		id:        id,
		m:         m,
		source:    src,
		opts:      NewOptionsRef(opts),
		attempts:  &Attempts{},
		logger:    m.logger.With().Str("consumer", id).Logger(),
		projected: wsock.Uninstantiated,
		states:    make(map[string]wsock.ReadyState),
	}
	return c
}

func (c *Consumer) ID() string { return c.id }

// Activate starts connecting. Activating an active consumer is a no-op.
func (c *Consumer) Activate() error {
	return c.m.post(c.activate)
}

// Deactivate stops observing the socket at once: no event reaching the loop
// after this call updates the consumer. The last message is cleared and the
// ready state reads UNINSTANTIATED until the next Activate. Queued outbound
// messages are kept.
func (c *Consumer) Deactivate() error {
	return c.m.post(c.deactivate)
}

// Restart tears the connection down and connects again from scratch. It is
// a no-op on an inactive consumer.
func (c *Consumer) Restart() error {
	return c.m.post(func() {
		if c.sess != nil {
			c.sess.restart()
		}
	})
}

// Close deactivates the consumer and removes it from the manager.
func (c *Consumer) Close() error {
	return c.m.post(func() {
		c.deactivate()
		c.m.forget(c.id)
	})
}

// SetOptions replaces the live options. Callbacks and reconnect policy apply
// from the next event on; a change of Share, FromSocketIO or QueryParams
// restarts an active consumer.
func (c *Consumer) SetOptions(opts Options) error {
	return c.m.post(func() {
		prev := c.opts.Load()
		c.opts.Store(opts)
		if c.sess != nil && prev.needsRestart(&opts) {
			c.logger.Debug().Msg("connection options changed, restarting")
			c.sess.restart()
		}
	})
}

// Options returns a copy of the live options.
func (c *Consumer) Options() Options {
	return *c.opts.Load()
}

// SendMessage sends msg now if the socket is OPEN and queues it until the
// next OPEN otherwise.
func (c *Consumer) SendMessage(msg wsock.Message) error {
	if msg.Type == 0 {
		msg.Type = wsock.TextMessage
	}
	return c.m.post(func() { c.sendMessage(msg) })
}

func (c *Consumer) SendText(text string) error {
	return c.SendMessage(wsock.TextMessageOf(text))
}

// SendJSONMessage encodes v with the configured codec and sends it.
func (c *Consumer) SendJSONMessage(v any) error {
	msg, err := c.opts.Load().codec().Encode(v)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	return c.SendMessage(msg)
}

// LastMessage returns the last message that passed the filter.
func (c *Consumer) LastMessage() (wsock.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Message()
}

// LastJSONMessage decodes the last message with the configured codec. It is
// nil when there is no message and UnparsableJSON when decoding fails.
func (c *Consumer) LastJSONMessage() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok, err := c.last.Value(c.opts.Load().codec())
	if !ok {
		return nil
	}
	if err != nil {
		return UnparsableJSON
	}
	return v
}

// ReadyState is the consumer's view of its connection: CLOSED while its URL
// cannot be resolved, else the state recorded for its resolved URL, else
// CONNECTING while it is active with a source, else UNINSTANTIATED.
func (c *Consumer) ReadyState() wsock.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectLocked()
}

func (c *Consumer) projectLocked() wsock.ReadyState {
	if c.failed {
		return wsock.Closed
	}
	if c.url != "" {
		if st, ok := c.states[c.url]; ok {
			return st
		}
	}
	if c.source != nil && c.enabled {
		return wsock.Connecting
	}
	return wsock.Uninstantiated
}

// URL is the last resolved URL.
func (c *Consumer) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Socket returns the live socket. For a shared consumer this is a restricted
// view whose Close restarts this consumer instead of closing the socket for
// everyone. It is nil while nothing is attached.
func (c *Consumer) Socket() wsock.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.attachment
	if a == nil {
		return nil
	}
	if !a.shared {
		return a.socket
	}
	if c.proxy == nil {
		c.proxy = &sharedView{c: c, url: a.url}
	}
	return c.proxy
}

// Status is a point-in-time summary of a consumer.
type Status struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
	Active     bool   `json:"active"`
	Shared     bool   `json:"shared"`
	Attempts   int    `json:"attempts"`
	Queued     int    `json:"queued"`
	SocketID   string `json:"socketId,omitempty"`
}

func (c *Consumer) Status() Status {
	c.mu.Lock()
	st := Status{
		ID:         c.id,
		URL:        c.url,
		ReadyState: c.projectLocked().String(),
		Active:     c.enabled,
		Shared:     c.opts.Load().Share,
		Attempts:   c.attempts.Get(),
		Queued:     int(c.queued.Load()),
	}
	a := c.attachment
	c.mu.Unlock()
	if a != nil {
		if s := a.current(c.m.registry); s != nil {
			st.SocketID = s.ID()
		}
	}
	return st
}

func (c *Consumer) activate() {
	if c.active {
		return
	}
	c.active = true
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()

	if c.source == nil {
		c.logger.Debug().Msg("no url source, staying uninstantiated")
		c.stateChanged()
		return
	}
	c.sess = &session{c: c}
	c.sess.start()
	c.stateChanged()
}

func (c *Consumer) deactivate() {
	if !c.active {
		return
	}
	c.active = false
	if c.sess != nil {
		c.sess.stop()
		c.sess = nil
	}
	c.mu.Lock()
	c.enabled = false
	c.last.Clear()
	c.failed = false
	c.states = make(map[string]wsock.ReadyState)
	c.mu.Unlock()
	c.stateChanged()
}

// stateChanged drains the outbound queue when the projection enters OPEN.
func (c *Consumer) stateChanged() {
	now := c.ReadyState()
	entered := now == wsock.Open && c.projected != wsock.Open
	c.projected = now
	if entered {
		c.drain()
	}
}

// drain resends everything queued so far, once. Messages that cannot go out
// are queued again for the next OPEN.
func (c *Consumer) drain() {
	pending := c.queue
	c.queue = nil
	c.queued.Store(0)
	for _, msg := range pending {
		c.sendMessage(msg)
	}
}

func (c *Consumer) sendMessage(msg wsock.Message) {
	if c.source == nil {
		return
	}
	if socket := c.physical(); socket != nil && socket.ReadyState() == wsock.Open {
		err := socket.Send(msg)
		if err == nil {
			c.m.metrics.Message(metrics.DirectionOut)
			return
		}
		c.logger.Debug().Err(err).Msg("send failed, queueing")
	}
	c.queue = append(c.queue, msg)
	c.queued.Store(int32(len(c.queue)))
	c.m.metrics.Message(metrics.DirectionQueued)
}

func (c *Consumer) physical() wsock.Socket {
	c.mu.Lock()
	a := c.attachment
	c.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.current(c.m.registry)
}

func (c *Consumer) setAttachment(a *attachment) {
	c.mu.Lock()
	c.attachment = a
	c.mu.Unlock()
}

func (c *Consumer) clearProxy() {
	c.mu.Lock()
	c.proxy = nil
	c.mu.Unlock()
}
