package share

import (
	"context"

	"github.com/panyam/sockshare/eventloop"
	"github.com/panyam/sockshare/metrics"
	"github.com/panyam/sockshare/wsock"
	"github.com/panyam/sockshare/wsurl"
)

// session is one activation of a consumer. It survives restarts and ends
// when the consumer is deactivated. Once expectClose is set nothing the
// session still has in flight may touch the consumer.
type session struct {
	c           *Consumer
	expectClose bool

	// bumped on every start so a stale url resolution is dropped
	gen    int
	cancel context.CancelFunc

	att     *attachment
	pending *eventloop.Timer
}

func (s *session) start() {
	c := s.c
	opts := c.opts.Load()
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	c.mu.Lock()
	c.failed = false
	c.mu.Unlock()

	if !c.source.Deferred() {
		url, err := wsurl.Resolve(context.Background(), c.source, opts.urlParams())
		s.connect(url, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		url, err := wsurl.Resolve(ctx, c.source, opts.urlParams())
		c.m.loop.Post(func() {
			cancel()
			if s.expectClose || gen != s.gen {
				return
			}
			s.cancel = nil
			s.connect(url, err)
		})
	}()
}

func (s *session) connect(url string, err error) {
	c := s.c
	if err != nil {
		s.resolveFailed(err)
		return
	}

	c.mu.Lock()
	c.url = url
	c.failed = false
	c.mu.Unlock()

	sub := &Subscriber{
		SetLastMessage: s.setLastMessage,
		SetReadyState:  s.readyStateSetter(url),
		Options:        c.opts,
		Attempts:       c.attempts,
		Restart:        RestartFunc(s.restart),
	}
	att := c.m.createOrJoin(url, sub)
	s.att = att
	c.setAttachment(att)
	c.logger.Debug().Str("url", url).Bool("shared", att.shared).Msg("attached")
	sub.SetReadyState(att.initial)
}

// resolveFailed treats a URL that could not be resolved like a connection
// that failed before opening.
func (s *session) resolveFailed(err error) {
	c := s.c
	c.logger.Warn().Err(err).Msg("could not resolve url")
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()
	c.stateChanged()

	opts := c.opts.Load()
	if opts.OnError != nil {
		opts.OnError(err)
	}
	ev := wsock.CloseEvent{Code: wsock.CloseAbnormalClosure, Reason: err.Error()}
	switch v, delay := evaluateReconnect(opts, c.attempts, ev, opts.RetryOnError); v {
	case verdictRetry:
		c.m.metrics.Reconnect(metrics.ReconnectScheduled)
		s.pending = c.m.loop.AfterFunc(delay, s.restart)
	case verdictExhausted:
		c.m.metrics.Reconnect(metrics.ReconnectExhausted)
		reportExhausted(opts, c.attempts)
	}
}

func (s *session) setLastMessage(msg wsock.Message) {
	if s.expectClose {
		return
	}
	c := s.c
	c.mu.Lock()
	c.last.Set(msg)
	c.mu.Unlock()
}

func (s *session) readyStateSetter(url string) func(wsock.ReadyState) {
	return func(st wsock.ReadyState) {
		if s.expectClose {
			return
		}
		c := s.c
		c.mu.Lock()
		c.states[url] = st
		c.mu.Unlock()
		c.stateChanged()
	}
}

// restart is the consumer's restart capability: drop the proxy view, tear
// down the current listeners and run activation again.
func (s *session) restart() {
	if s.expectClose {
		return
	}
	s.c.clearProxy()
	s.detach()
	s.start()
}

func (s *session) stop() {
	s.expectClose = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.c.clearProxy()
	s.detach()
}

func (s *session) detach() {
	s.pending.Stop()
	s.pending = nil
	if s.att != nil {
		s.att.detach()
		s.att = nil
	}
	s.c.setAttachment(nil)
}
