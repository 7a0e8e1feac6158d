package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mjl-/mailout/dns"
	"github.com/mjl-/mailout/mlog"
)

// DialHook can be used during tests to override the regular dialer from being used.
var DialHook func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error)

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, timeout, addr)
	}

	// If this is a net.Dialer, use its settings and add the timeout.
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		if timeout > 0 {
			nd.Timeout = timeout
		}
		return nd.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

// Dial connects to port on host, an IP address or a domain name. A domain is
// resolved through resolver and its IPs are tried in order, the first
// connection that succeeds is returned along with the parsed host, for TLS
// name verification. If no IP can be connected to, the last error is
// returned.
//
// A zero timeout means each connection attempt has no timeout of its own,
// only ctx can end it.
func Dial(ctx context.Context, elog *slog.Logger, dialer Dialer, resolver dns.Resolver, host string, port int, timeout time.Duration) (conn net.Conn, remoteHostname dns.Domain, rerr error) {
	log := mlog.New("smtpclient", elog)

	if dialer == nil {
		dialer = &net.Dialer{}
	}

	var ips []net.IP
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		ips = []net.IP{ip}
		remoteHostname = dns.Domain{ASCII: ip.String()}
	} else {
		d, err := dns.ParseDomain(host)
		if err != nil {
			return nil, dns.Domain{}, fmt.Errorf("parsing smtp host %q: %w", host, err)
		}
		remoteHostname = d
		ipaddrs, _, err := resolver.LookupIPAddr(ctx, d.ASCII+".")
		if err != nil {
			return nil, remoteHostname, fmt.Errorf("looking up ips for %s: %w", d, err)
		} else if len(ipaddrs) == 0 {
			return nil, remoteHostname, fmt.Errorf("no ips for %s", d)
		}
		for _, ipaddr := range ipaddrs {
			ips = append(ips, ipaddr.IP)
		}
	}

	var errs []error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		log.Debug("dialing host", slog.String("addr", addr))
		conn, err := dial(ctx, dialer, timeout, addr)
		if err == nil {
			log.Debug("connected to host", slog.Any("host", remoteHostname), slog.String("addr", addr))
			return conn, remoteHostname, nil
		}
		log.Debugx("connection attempt", err, slog.Any("host", remoteHostname), slog.String("addr", addr))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, remoteHostname, errors.Join(errs...)
}
