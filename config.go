package chatws

import (
	"net/http"
	"net/url"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

const (
	DefaultURL              = "ws://localhost:8000"
	DefaultPathPrefix       = "api/ws/chat"
	DefaultConnectTimeout   = 5 * time.Second
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultMaxAttempts      = 10
	DefaultWriteTimeout     = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config holds the tunables of a Manager. Durations decode from strings such as "5s".
type Config struct {
	// URL is the scheme and host of the backend, e.g. ws://localhost:8000.
	URL string `toml:"url"`
	// PathPrefix is joined between URL and the session id.
	PathPrefix string `toml:"path_prefix"`

	ConnectTimeout time.Duration `toml:"connect_timeout"`
	BaseDelay      time.Duration `toml:"base_delay"`
	MaxDelay       time.Duration `toml:"max_delay"`
	MaxAttempts    int           `toml:"max_attempts"`

	// MaxQueueSize bounds the outbound queue while disconnected. Zero means unbounded;
	// when full the oldest message is dropped.
	MaxQueueSize int `toml:"max_queue_size"`

	WriteTimeout     time.Duration `toml:"write_timeout"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`

	// KeepAliveInterval enables client initiated {"type":"ping"} frames when positive.
	KeepAliveInterval time.Duration `toml:"keep_alive_interval"`
}

func DefaultConfig() Config {
	return Config{
		URL:              DefaultURL,
		PathPrefix:       DefaultPathPrefix,
		ConnectTimeout:   DefaultConnectTimeout,
		BaseDelay:        DefaultBaseDelay,
		MaxDelay:         DefaultMaxDelay,
		MaxAttempts:      DefaultMaxAttempts,
		WriteTimeout:     DefaultWriteTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// WithDefaults fills zero values with the defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.PathPrefix == "" {
		c.PathPrefix = d.PathPrefix
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}

func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "url: %s", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return errors.Wrapf(ErrInvalidConfig, "url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.Wrap(ErrInvalidConfig, "url has no host")
	}
	if c.ConnectTimeout < 0 || c.BaseDelay < 0 || c.MaxDelay < 0 {
		return errors.Wrap(ErrInvalidConfig, "durations must not be negative")
	}
	if c.MaxDelay < c.BaseDelay {
		return errors.Wrap(ErrInvalidConfig, "max_delay must not be lower than base_delay")
	}
	if c.MaxAttempts < 1 {
		return errors.Wrap(ErrInvalidConfig, "max_attempts must be at least 1")
	}
	if c.MaxQueueSize < 0 {
		return errors.Wrap(ErrInvalidConfig, "max_queue_size must not be negative")
	}
	return nil
}

func (c Config) backoff() Backoff {
	return Backoff{Base: c.BaseDelay, Max: c.MaxDelay}
}

type options struct {
	cfg       Config
	logger    logger
	factory   TransportFactory
	dialer    *websocket.Dialer
	header    http.Header
	adapters  ErrorAdapters
	clock     clock
	keepAlive KeepAliveMessageFactory
}

// Option configures a Manager.
type Option func(*options)

func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

func WithLogger(l logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTransportFactory replaces the websocket transport, mostly useful in tests.
func WithTransportFactory(f TransportFactory) Option {
	return func(o *options) {
		o.factory = f
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithHeader sets extra handshake headers sent on every connection attempt.
func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h
	}
}

func WithErrorAdapters(a ErrorAdapters) Option {
	return func(o *options) {
		o.adapters = a
	}
}

// WithKeepAliveMessage overrides the frame sent when KeepAliveInterval is set.
func WithKeepAliveMessage(f KeepAliveMessageFactory) Option {
	return func(o *options) {
		o.keepAlive = f
	}
}

func withClock(c clock) Option {
	return func(o *options) {
		o.clock = c
	}
}
