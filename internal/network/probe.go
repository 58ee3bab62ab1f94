package network

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

const defaultProbeTimeout = 3 * time.Second

// Prober reports whether the backend is reachable
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// DialProber considers the host online when a TCP connection to the
// backend address can be established
type DialProber struct {
	address string
	dialer  net.Dialer
}

// NewDialProber derives the probe address from a stream or HTTP URL
func NewDialProber(rawURL string, timeout time.Duration) (*DialProber, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse probe URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("probe URL %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		case "ws", "http":
			port = "80"
		default:
			return nil, fmt.Errorf("probe URL %q has no port and unknown scheme %q", rawURL, u.Scheme)
		}
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &DialProber{
		address: net.JoinHostPort(host, port),
		dialer:  net.Dialer{Timeout: timeout},
	}, nil
}

// Address returns the probed host:port
func (p *DialProber) Address() string {
	return p.address
}

// Probe implements Prober
func (p *DialProber) Probe(ctx context.Context) bool {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
