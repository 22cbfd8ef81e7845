// Package discovery resolves the heater's .local name through mDNS.
//
// Stock firmware advertises _http._tcp and ESPHome advertises
// _esphomelib._tcp. Names outside .local go through untouched so the
// system resolver can handle them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Service types browsed for each firmware.
const (
	ServiceHTTP    = "_http._tcp"
	ServiceESPHome = "_esphomelib._tcp"

	domain         = "local."
	defaultTimeout = 3 * time.Second
)

// ErrNotFound is returned when no advertised host matches within the timeout.
var ErrNotFound = errors.New("discovery: host not found")

// BrowseFunc matches zeroconf.Browse. Tests substitute a fake.
type BrowseFunc func(ctx context.Context, service, domain string, entries, removed chan<- *zeroconf.ServiceEntry) error

// Logger is the logging surface the resolver needs.
type Logger interface {
	Debug(msg string, args ...any)
}

// Resolver maps a .local host name to an IP address.
type Resolver struct {
	service string
	timeout time.Duration
	browse  BrowseFunc
	logger  Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds a single Resolve. Default: 3 seconds.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBrowser replaces zeroconf.Browse.
func WithBrowser(fn BrowseFunc) Option {
	return func(r *Resolver) { r.browse = fn }
}

// WithLogger sets a debug logger.
func WithLogger(l Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver browsing service (ServiceHTTP or
// ServiceESPHome).
func NewResolver(service string, opts ...Option) *Resolver {
	r := &Resolver{
		service: service,
		timeout: defaultTimeout,
		browse: func(ctx context.Context, service, domain string, entries, removed chan<- *zeroconf.ServiceEntry) error {
			return zeroconf.Browse(ctx, service, domain, entries, removed)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServiceFor returns the service type advertised by a firmware kind.
func ServiceFor(firmware string) string {
	if firmware == "esphome" {
		return ServiceESPHome
	}
	return ServiceHTTP
}

// Resolve returns an IP for host if host ends in .local and a matching
// service is advertised, preferring IPv4. Other hosts are returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	want := normalise(host)
	if !strings.HasSuffix(want, ".local") {
		return host, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- r.browse(ctx, r.service, domain, entries, removed)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrNotFound, host)
			}
			if entry == nil || normalise(entry.HostName) != want {
				continue
			}
			if ip := pickAddress(entry); ip != nil {
				if r.logger != nil {
					r.logger.Debug("resolved via mdns", "host", host, "ip", ip.String())
				}
				return ip.String(), nil
			}
		case <-removed:
		case err := <-browseErr:
			if err != nil && ctx.Err() == nil {
				return "", fmt.Errorf("discovery: browsing %s: %w", r.service, err)
			}
			browseErr = nil
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s", ErrNotFound, host)
		}
	}
}

func normalise(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func pickAddress(entry *zeroconf.ServiceEntry) net.IP {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0]
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0]
	}
	return nil
}
