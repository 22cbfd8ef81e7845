package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrowser announces entries in order, then waits for cancellation
// like zeroconf.Browse does.
func fakeBrowser(gotService *string, entries ...*zeroconf.ServiceEntry) BrowseFunc {
	return func(ctx context.Context, service, _ string, out, _ chan<- *zeroconf.ServiceEntry) error {
		if gotService != nil {
			*gotService = service
		}
		for _, e := range entries {
			select {
			case out <- e:
			case <-ctx.Done():
				return nil
			}
		}
		<-ctx.Done()
		return nil
	}
}

func entry(host string, v4, v6 []string) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{HostName: host, Port: 80}
	for _, a := range v4 {
		e.AddrIPv4 = append(e.AddrIPv4, net.ParseIP(a))
	}
	for _, a := range v6 {
		e.AddrIPv6 = append(e.AddrIPv6, net.ParseIP(a))
	}
	return e
}

func TestResolve_NonLocalPassesThrough(t *testing.T) {
	called := false
	r := NewResolver(ServiceHTTP, WithBrowser(func(context.Context, string, string, chan<- *zeroconf.ServiceEntry, chan<- *zeroconf.ServiceEntry) error {
		called = true
		return nil
	}))

	for _, host := range []string{"192.168.1.50", "pandabreath.lan", "heater.example.com"} {
		got, err := r.Resolve(context.Background(), host)
		require.NoError(t, err)
		assert.Equal(t, host, got)
	}
	assert.False(t, called, "browser must not run for non-.local hosts")
}

func TestResolve_MatchesHostName(t *testing.T) {
	var service string
	r := NewResolver(ServiceHTTP, WithBrowser(fakeBrowser(&service,
		entry("printer.local.", []string{"192.168.1.10"}, nil),
		entry("PandaBreath.local.", []string{"192.168.1.50"}, []string{"fe80::1"}),
	)))

	got, err := r.Resolve(context.Background(), "pandabreath.local")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", got)
	assert.Equal(t, ServiceHTTP, service)
}

func TestResolve_FallsBackToIPv6(t *testing.T) {
	r := NewResolver(ServiceESPHome, WithBrowser(fakeBrowser(nil,
		entry("panda-breath.local.", nil, []string{"fe80::1234"}),
	)))

	got, err := r.Resolve(context.Background(), "panda-breath.local.")
	require.NoError(t, err)
	assert.Equal(t, "fe80::1234", got)
}

func TestResolve_SkipsEntriesWithoutAddresses(t *testing.T) {
	r := NewResolver(ServiceHTTP, WithBrowser(fakeBrowser(nil,
		entry("pandabreath.local.", nil, nil),
		entry("pandabreath.local.", []string{"10.0.0.7"}, nil),
	)))

	got, err := r.Resolve(context.Background(), "pandabreath.local")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", got)
}

func TestResolve_NotFoundAfterTimeout(t *testing.T) {
	r := NewResolver(ServiceHTTP,
		WithTimeout(50*time.Millisecond),
		WithBrowser(fakeBrowser(nil, entry("other.local.", []string{"10.0.0.1"}, nil))),
	)

	start := time.Now()
	_, err := r.Resolve(context.Background(), "pandabreath.local")
	assert.True(t, errors.Is(err, ErrNotFound), "error = %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolve_BrowseError(t *testing.T) {
	boom := errors.New("no multicast interface")
	r := NewResolver(ServiceHTTP, WithBrowser(func(context.Context, string, string, chan<- *zeroconf.ServiceEntry, chan<- *zeroconf.ServiceEntry) error {
		return boom
	}))

	_, err := r.Resolve(context.Background(), "pandabreath.local")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestResolve_ClosedEntries(t *testing.T) {
	r := NewResolver(ServiceHTTP, WithBrowser(func(_ context.Context, _, _ string, out, _ chan<- *zeroconf.ServiceEntry) error {
		close(out)
		return nil
	}))

	_, err := r.Resolve(context.Background(), "pandabreath.local")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_ParentContextCancelled(t *testing.T) {
	r := NewResolver(ServiceHTTP, WithBrowser(fakeBrowser(nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, "pandabreath.local")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceFor(t *testing.T) {
	assert.Equal(t, ServiceHTTP, ServiceFor("stock"))
	assert.Equal(t, ServiceESPHome, ServiceFor("esphome"))
	assert.Equal(t, ServiceHTTP, ServiceFor(""))
}
