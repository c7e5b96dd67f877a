// Package netguard restricts where outbound provider and webhook requests may
// connect. Addresses are checked at dial time so DNS answers cannot redirect
// a request to an internal host after validation.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlocked is returned for destinations the guard refuses.
var ErrBlocked = errors.New("destination not allowed")

// Cloud metadata endpoints are refused even when private addresses are allowed.
var metadataHosts = []string{
	"169.254.169.254",
	"169.254.170.2",
	"fd00:ec2::254",
	"metadata.google.internal",
}

// Guard validates outbound destinations.
type Guard struct {
	allowPrivate bool
}

// New creates a guard. allowPrivate permits loopback and private networks,
// which local test providers need.
func New(allowPrivate bool) *Guard {
	return &Guard{allowPrivate: allowPrivate}
}

// ValidateURL checks the scheme and host of rawURL. Host names are resolved
// later, when the connection is dialed.
func (g *Guard) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: only http and https schemes are allowed", ErrBlocked)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if isMetadata(host) {
		return fmt.Errorf("%w: %s", ErrBlocked, host)
	}
	if !g.allowPrivate && (host == "localhost" || strings.HasSuffix(host, ".localhost")) {
		return fmt.Errorf("%w: %s", ErrBlocked, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return g.CheckIP(ip)
	}
	return nil
}

// CheckIP reports whether ip may be dialed.
func (g *Guard) CheckIP(ip net.IP) error {
	if isMetadata(ip.String()) {
		return fmt.Errorf("%w: metadata address %s", ErrBlocked, ip)
	}
	if g.allowPrivate {
		return nil
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address %s", ErrBlocked, ip)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address %s", ErrBlocked, ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address %s", ErrBlocked, ip)
	case ip.IsMulticast():
		return fmt.Errorf("%w: multicast address %s", ErrBlocked, ip)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address %s", ErrBlocked, ip)
	}
	return nil
}

// Control is a net.Dialer control hook that refuses blocked addresses.
func (g *Guard) Control(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unresolved address %s", ErrBlocked, address)
	}
	return g.CheckIP(ip)
}

// HTTPClient returns a client whose connections pass through the guard.
func (g *Guard) HTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   g.Control,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return g.ValidateURL(req.URL.String())
		},
	}
}

func isMetadata(host string) bool {
	for _, blocked := range metadataHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}
