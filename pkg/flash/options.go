package flash

import "time"

type config struct {
	verify           bool
	reset            bool
	handshakeTimeout time.Duration
	ioTimeout        time.Duration
	chunkSize        int
	progress         ProgressFunc
	hook             func(from, to State)
}

func defaultConfig() config {
	return config{
		verify:           true,
		reset:            true,
		handshakeTimeout: 5 * time.Second,
		ioTimeout:        10 * time.Second,
		chunkSize:        1024,
	}
}

// Option configures a Deployer.
type Option func(*config)

// WithVerify enables or disables read-back verification. Default is true.
func WithVerify(verify bool) Option {
	return func(c *config) {
		c.verify = verify
	}
}

// WithReset controls whether the target is reset after a successful write.
// Default is true.
func WithReset(reset bool) Option {
	return func(c *config) {
		c.reset = reset
	}
}

// WithHandshakeTimeout bounds the wait for the probe and target to answer.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithIOTimeout bounds every erase, program and read call.
func WithIOTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ioTimeout = d
		}
	}
}

// WithChunkSize sets the number of bytes per Program call.
//
// Example:
//
//	d := flash.NewDeployer(conn, flash.WithChunkSize(256))
func WithChunkSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithProgress sets a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}

// WithTransitionHook observes every state change of the deployer.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(c *config) {
		c.hook = fn
	}
}
