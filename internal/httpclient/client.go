// Package httpclient builds the HTTP clients used to talk to billing and
// profile backends. Lookups go through a shared DNS cache so that bursts of
// sync runs do not hammer the resolver.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultDNSTTL   = 5 * time.Minute
	dialTimeout     = 10 * time.Second
	dialKeepAlive   = 30 * time.Second
	idleConnTimeout = 90 * time.Second
)

var (
	resolverOnce sync.Once
	resolver     *dnscache.Resolver

	ttlMu       sync.Mutex
	resolverTTL = DefaultDNSTTL
)

// SetDNSCacheTTL changes the refresh interval of the shared resolver. It must
// be called before the first client is built.
func SetDNSCacheTTL(ttl time.Duration) {
	ttlMu.Lock()
	defer ttlMu.Unlock()
	if ttl <= 0 {
		ttl = DefaultDNSTTL
	}
	resolverTTL = ttl
	log.Debug().Dur("ttl", ttl).Msg("DNS cache TTL configured")
}

// Resolver returns the process-wide cached resolver.
func Resolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		ttlMu.Lock()
		ttl := resolverTTL
		ttlMu.Unlock()

		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
			}
		}()
		log.Info().Dur("ttl", ttl).Msg("DNS resolver cache initialized")
	})
	return resolver
}

// DialContext resolves through the cache and tries each address in turn.
func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	// Literal IPs and localhost skip the cache.
	if ip := net.ParseIP(host); ip != nil || host == "localhost" {
		return dialer().DialContext(ctx, network, address)
	}

	ips, err := Resolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer().DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func dialer() *net.Dialer {
	return &net.Dialer{Timeout: dialTimeout, KeepAlive: dialKeepAlive}
}

// New returns a client with the given timeout (DefaultTimeout when <= 0)
// whose transport dials through the DNS cache.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           DialContext,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       idleConnTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
