package share

import (
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/panyam/sockshare/wsock"
)

type verdict int

const (
	// policy declined, nothing more to do
	verdictNone verdict = iota
	verdictRetry
	verdictExhausted
)

// evaluateReconnect applies one consumer's reconnect policy to a close. A
// retry increments attempts and returns the delay to wait before restarting.
// forced skips ShouldReconnect, as RetryOnError does.
func evaluateReconnect(opts *Options, attempts *Attempts, ev wsock.CloseEvent, forced bool) (verdict, time.Duration) {
	if !forced && !opts.shouldReconnect(ev) {
		return verdictNone, 0
	}
	if opts.ReconnectAttempts > 0 && attempts.Get() >= opts.ReconnectAttempts {
		return verdictExhausted, 0
	}
	delay := nextDelay(opts)
	if delay == backoff.Stop {
		return verdictExhausted, 0
	}
	attempts.Inc()
	return verdictRetry, delay
}

func nextDelay(opts *Options) time.Duration {
	if opts.BackOff != nil {
		return opts.BackOff.NextBackOff()
	}
	return backoff.NewConstantBackOff(opts.reconnectInterval()).NextBackOff()
}

// resetBackOff runs on every OPEN.
func resetBackOff(opts *Options, attempts *Attempts) {
	attempts.Reset()
	if opts.BackOff != nil {
		opts.BackOff.Reset()
	}
}

func reportExhausted(opts *Options, attempts *Attempts) {
	if opts.OnReconnectStop != nil {
		opts.OnReconnectStop(attempts.Get())
	}
}
