package wsock

import "time"

// Config controls timing of the gorilla client transport.
type Config struct {
	// PingPeriod specifies how often to send protocol ping frames to the
	// server. Zero disables pings.
	// Default: 30 seconds.
	PingPeriod time.Duration

	// PongPeriod is the maximum time to wait for any data (pong or message)
	// from the server before the connection is considered dead. Zero
	// disables the read deadline.
	// Default: 300 seconds (5 minutes).
	PongPeriod time.Duration

	// WriteWait bounds every individual frame write.
	WriteWait time.Duration

	// CloseGrace is how long Close waits for the server to answer the
	// closing handshake before dropping the TCP connection.
	CloseGrace time.Duration

	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration

	// ReadLimit caps the size of inbound frames. Zero means no limit.
	ReadLimit int64
}

// DefaultConfig returns a Config with sensible defaults:
//   - PingPeriod: 30 seconds
//   - PongPeriod: 300 seconds (5 minutes)
//   - WriteWait: 10 seconds
//   - CloseGrace: 2 seconds
//   - HandshakeTimeout: 30 seconds
func DefaultConfig() *Config {
	return &Config{
		PingPeriod:       time.Second * 30,
		PongPeriod:       time.Second * 300,
		WriteWait:        time.Second * 10,
		CloseGrace:       time.Second * 2,
		HandshakeTimeout: time.Second * 30,
	}
}

func (c *Config) ensure() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	if out.WriteWait <= 0 {
		out.WriteWait = time.Second * 10
	}
	if out.CloseGrace <= 0 {
		out.CloseGrace = time.Second * 2
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = time.Second * 30
	}
	return &out
}
