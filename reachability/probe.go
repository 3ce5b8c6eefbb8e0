package reachability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Probe reports whether the remote backend can be reached right now.
type Probe interface {
	Check(ctx context.Context) error
}

type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// DialProbe opens a TCP connection to Address (host:port).
type DialProbe struct {
	Address string
	Timeout time.Duration
}

func (p DialProbe) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// HTTPProbe issues a HEAD request; any answer below 500 counts as reachable.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// ProbeFor picks a probe from a configured target: a URL gets an HTTP probe,
// anything else is dialed as host:port.
func ProbeFor(target string) Probe {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return HTTPProbe{URL: target}
	}
	return DialProbe{Address: target}
}
