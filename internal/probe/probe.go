// Package probe distinguishes a dead server from a dead channel: an
// in-channel liveness ping plus an out-of-band HTTP reachability check.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cortexuvula/notesync/internal/metrics"
	"github.com/cortexuvula/notesync/internal/protocol"
)

// Sender writes one frame over an open channel.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// noRedirectClient refuses to follow HTTP redirects; a redirect is itself
// proof that something answered.
var noRedirectClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// Probe runs diagnostics against one sync server.
type Probe struct {
	target  string
	timeout time.Duration
	client  *http.Client
	metrics *metrics.Metrics // optional, nil if metrics disabled
}

// New creates a probe for serverURL (http or https) checking path.
func New(serverURL, path string, timeout time.Duration) (*Probe, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must use http:// or https://, got %q", serverURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""

	return &Probe{
		target:  u.String(),
		timeout: timeout,
		client:  noRedirectClient,
	}, nil
}

// SetMetrics sets the optional Prometheus metrics.
func (p *Probe) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Target returns the URL checked by CheckReachability.
func (p *Probe) Target() string {
	return p.target
}

// Ping sends a liveness frame over the channel. No reply is required; a
// pong, if any, is only logged by the receiver.
func (p *Probe) Ping(ctx context.Context, s Sender) error {
	frame, err := protocol.Encode(protocol.NewPing(time.Now()))
	if err != nil {
		return err
	}
	if err := s.Send(ctx, frame); err != nil {
		return fmt.Errorf("sending ping: %w", err)
	}
	return nil
}

// CheckReachability issues a plain HTTP GET outside the channel. Any HTTP
// response (even 4xx/5xx) means the server is up and a channel failure is
// likely transient; a transport error means the server side is down.
func (p *Probe) CheckReachability(ctx context.Context) bool {
	ok := p.check(ctx)
	if p.metrics != nil {
		if ok {
			p.metrics.ServerReachable.Set(1)
		} else {
			p.metrics.ServerReachable.Set(0)
		}
	}
	return ok
}

func (p *Probe) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target, nil)
	if err != nil {
		slog.Debug("reachability request creation failed", "error", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("server unreachable", "url", p.target, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}
