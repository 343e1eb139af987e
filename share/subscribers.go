package share

import (
	"sync"
	"sync/atomic"

	"github.com/panyam/sockshare/wsock"
)

// Restarter tears a consumer's connection down and activates it again. It is
// the only way the reconnect driver re-enters create-or-join.
type Restarter interface {
	Restart()
}

// RestartFunc adapts a function to Restarter.
type RestartFunc func()

func (f RestartFunc) Restart() { f() }

// Attempts counts consecutive reconnect attempts of one consumer.
type Attempts struct {
	n atomic.Int32
}

func (a *Attempts) Get() int { return int(a.n.Load()) }
func (a *Attempts) Inc() int { return int(a.n.Add(1)) }
func (a *Attempts) Reset()   { a.n.Store(0) }

// Subscriber is one consumer's interest in a shared socket. Subscribers are
// compared by pointer, never by value.
type Subscriber struct {
	SetLastMessage func(wsock.Message)
	SetReadyState  func(wsock.ReadyState)
	Options        *OptionsRef
	Attempts       *Attempts
	Restart        Restarter

	// set by the binder when RetryOnError asked for a retry on the next close
	retryOnClose bool
}

// Subscribers is the per-URL ordered set of subscribers. Iteration follows
// insertion order.
type Subscribers struct {
	mu    sync.RWMutex
	byURL map[string][]*Subscriber
}

func NewSubscribers() *Subscribers {
	return &Subscribers{byURL: make(map[string][]*Subscriber)}
}

// Add appends sub to url's set. Adding a subscriber twice is a no-op.
func (s *Subscribers) Add(url string, sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byURL[url] {
		if existing == sub {
			return
		}
	}
	s.byURL[url] = append(s.byURL[url], sub)
}

// Remove drops sub from url's set and reports whether it was there.
func (s *Subscribers) Remove(url string, sub *Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byURL[url]
	for i, existing := range list {
		if existing == sub {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(s.byURL, url)
			} else {
				s.byURL[url] = list
			}
			return true
		}
	}
	return false
}

func (s *Subscribers) Has(url string) bool {
	return s.Count(url) > 0
}

func (s *Subscribers) Contains(url string, sub *Subscriber) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, existing := range s.byURL[url] {
		if existing == sub {
			return true
		}
	}
	return false
}

func (s *Subscribers) Count(url string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byURL[url])
}

// Total is the number of subscribers across all URLs.
func (s *Subscribers) Total() (n int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.byURL {
		n += len(list)
	}
	return
}

// List returns a copy of url's subscribers in insertion order.
func (s *Subscribers) List(url string) []*Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byURL[url]
	out := make([]*Subscriber, len(list))
	copy(out, list)
	return out
}
