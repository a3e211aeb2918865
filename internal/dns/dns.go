// Package dns provides a dialer with public-DNS fallback. Some networks run
// resolvers that cannot see the relay domain; when the system resolver fails,
// the hostname is raced against well-known public resolvers instead of
// surfacing a confusing dial error.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var publicResolvers = []string{
	"1.1.1.1:53",        // Cloudflare
	"8.8.8.8:53",        // Google
	"9.9.9.9:53",        // Quad9
	"208.67.222.222:53", // Cisco OpenDNS
}

const lookupTimeout = 3 * time.Second

// DialContext dials addr, falling back to public DNS resolution when the
// system resolver cannot resolve the host. Suitable as a NetDialContext for
// WebSocket dialers.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, network, addr)
	if err == nil {
		return conn, nil
	}

	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return nil, err
	}

	host, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, err
	}
	ip, lookupErr := lookupFallback(ctx, host)
	if lookupErr != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

// lookupFallback races the public resolvers and returns the first answer.
func lookupFallback(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	results := make(chan string, len(publicResolvers))
	for _, server := range publicResolvers {
		go func(server string) {
			r := &net.Resolver{
				PreferGo: true,
				Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, server)
				},
			}
			ips, err := r.LookupHost(ctx, host)
			if err == nil && len(ips) > 0 {
				select {
				case results <- ips[0]:
				default:
				}
			}
		}(server)
	}

	select {
	case ip := <-results:
		return ip, nil
	case <-ctx.Done():
		return "", fmt.Errorf("no resolver answered for %s", host)
	}
}
