package roomsync

import (
	"fmt"
	"time"

	"github.com/cortexuvula/notesync/internal/config"
	"github.com/cortexuvula/notesync/internal/metrics"
	"github.com/cortexuvula/notesync/internal/notify"
	"github.com/cortexuvula/notesync/internal/probe"
)

// Options configures every channel of a Registry.
type Options struct {
	ServerURL      string
	AuthToken      string
	DebounceWindow time.Duration
	ReconnectDelay time.Duration
	MaxRetries     int
	SeedDelay      time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	Dialer  Dialer           // nil means WebSocketDialer
	Sink    notify.Sink      // nil means notify.LogSink
	Probe   *probe.Probe     // nil means a probe of ServerURL + /health
	Metrics *metrics.Metrics // optional
}

// OptionsFromConfig maps the sync section of the config file to Options.
func OptionsFromConfig(cfg config.SyncConfig) (Options, error) {
	p, err := probe.New(cfg.ServerURL, cfg.Probe.Path, cfg.Probe.Timeout)
	if err != nil {
		return Options{}, err
	}
	return Options{
		ServerURL:      cfg.ServerURL,
		AuthToken:      cfg.AuthToken,
		DebounceWindow: cfg.DebounceWindow,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxRetries:     cfg.MaxRetries,
		SeedDelay:      cfg.SeedDelay,
		DialTimeout:    cfg.DialTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		Probe:          p,
	}, nil
}

func (o Options) withDefaults() (Options, error) {
	if o.ServerURL == "" {
		return o, fmt.Errorf("server url is required")
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 500 * time.Millisecond
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.SeedDelay <= 0 {
		o.SeedDelay = 150 * time.Millisecond
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = WebSocketDialer{MaxMessageSize: o.MaxMessageSize}
	}
	if o.Sink == nil {
		o.Sink = notify.LogSink{}
	}
	if o.Probe == nil {
		p, err := probe.New(o.ServerURL, "/health", 5*time.Second)
		if err != nil {
			return o, err
		}
		o.Probe = p
	}
	if o.Metrics != nil {
		o.Probe.SetMetrics(o.Metrics)
	}
	return o, nil
}
