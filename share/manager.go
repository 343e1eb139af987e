package share

import (
	"sync"
	"sync/atomic"

	gut "github.com/panyam/goutils/utils"
	"github.com/panyam/sockshare/eventloop"
	"github.com/panyam/sockshare/metrics"
	"github.com/panyam/sockshare/wsock"
	"github.com/panyam/sockshare/wsurl"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrManagerClosed is returned by consumer operations after Manager.Close.
var ErrManagerClosed = errors.New("share: manager closed")

// Config configures a Manager.
type Config struct {
	// Transport opens physical sockets. Default: a gorilla transport with
	// wsock.DefaultConfig.
	Transport wsock.Transport

	// Loop runs every event, timer and consumer operation. Default: a new
	// loop owned and stopped by the Manager.
	Loop *eventloop.Loop

	Logger *zerolog.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Manager owns the shared socket registry, the subscriber sets, and the
// consumers created through it.
type Manager struct {
	loop        *eventloop.Loop
	ownsLoop    bool
	transport   wsock.Transport
	registry    *Registry
	subscribers *Subscribers
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	mu        sync.RWMutex
	consumers map[string]*Consumer
	order     []*Consumer

	closed atomic.Bool
}

func NewManager(config Config) *Manager {
	m := &Manager{
		loop:        config.Loop,
		transport:   config.Transport,
		registry:    NewRegistry(),
		subscribers: NewSubscribers(),
		metrics:     config.Metrics,
		logger:      log.Logger,
		consumers:   make(map[string]*Consumer),
	}
	if config.Logger != nil {
		m.logger = *config.Logger
	}
	if m.loop == nil {
		m.loop = eventloop.New(&m.logger).Start()
		m.ownsLoop = true
	}
	if m.transport == nil {
		t := wsock.NewGorillaTransport(nil)
		t.Logger = &m.logger
		m.transport = t
	}
	return m
}

// NewConsumer creates an inactive consumer for src. A nil src gives a
// consumer that stays UNINSTANTIATED.
func (m *Manager) NewConsumer(src wsurl.Source, opts Options) *Consumer {
	c := newConsumer(m, gut.RandString(10, ""), src, opts)
	m.mu.Lock()
	m.consumers[c.id] = c
	m.order = append(m.order, c)
	m.mu.Unlock()
	return c
}

// Connect creates a consumer and activates it.
func (m *Manager) Connect(src wsurl.Source, opts Options) (*Consumer, error) {
	c := m.NewConsumer(src, opts)
	if err := c.Activate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Consumers returns all consumers in creation order.
func (m *Manager) Consumers() []*Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Consumer, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) Consumer(id string) (*Consumer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consumers[id]
	return c, ok
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumers[id]; !ok {
		return
	}
	delete(m.consumers, id)
	for i, c := range m.order {
		if c.id == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Registry exposes the shared socket table.
func (m *Manager) Registry() *Registry { return m.registry }

// Subscribers exposes the per-URL subscriber sets.
func (m *Manager) Subscribers() *Subscribers { return m.subscribers }

// Sync waits until every operation posted before it has run. It must not be
// called from a callback.
func (m *Manager) Sync() bool {
	return m.loop.Sync(nil)
}

// Close deactivates every consumer and, when the Manager created its loop,
// stops it. It must not be called from a callback.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.loop.Sync(func() {
		for _, c := range m.Consumers() {
			c.deactivate()
		}
	})
	if m.ownsLoop {
		m.loop.Stop()
	}
	m.logger.Debug().Msg("manager closed")
}

func (m *Manager) post(fn func()) error {
	if m.closed.Load() || !m.loop.Post(fn) {
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) updateGauges() {
	m.metrics.SetSharedSockets(m.registry.Len())
	m.metrics.SetSubscribers(m.subscribers.Total())
}
