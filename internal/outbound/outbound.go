// Package outbound owns the HTTP clients for everything the service calls
// out to: payment providers, the Resend API and developer webhooks. All of
// them ride one shared transport with a caching DNS resolver so webhook
// bursts do not turn into resolver bursts.
package outbound

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const resolverRefreshInterval = 5 * time.Minute

var (
	resolver     *dnscache.Resolver
	resolverOnce sync.Once

	transport     *http.Transport
	transportOnce sync.Once
)

func getResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(resolverRefreshInterval)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
				log.Debug().Msg("Outbound DNS cache refreshed")
			}
		}()
	})
	return resolver
}

// dialContext resolves through the cache and dials the first address.
func dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := getResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

// Transport returns the shared outbound transport. Provider APIs and
// developer webhooks all hit a handful of hosts repeatedly, so idle
// connections are kept generously.
func Transport() *http.Transport {
	transportOnce.Do(func() {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			MaxConnsPerHost:       20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	})
	return transport
}

// NewClient returns a client on the shared transport with a per-purpose
// timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: Transport(),
		Timeout:   timeout,
	}
}
