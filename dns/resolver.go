package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/mailout/mlog"
	"github.com/mjl-/mailout/stub"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

// MetricLookup observes lookup durations, with labels pkg, type and result.
var MetricLookup stub.HistogramVec = stub.HistogramVecIgnore{}

// ErrRelativeDNSName is returned for names without trailing dot. Looking them
// up could go through the search domains of resolv.conf.
var ErrRelativeDNSName = errors.New("dns: name to look up must be absolute, ending with a dot")

// Resolver looks up the IPs of mail servers to connect to.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error)
}

// StrictResolver resolves through adns, only accepting absolute names.
type StrictResolver struct {
	Pkg      string         // Subsystem doing the lookup, for metrics and logging. Default "dns".
	Resolver *adns.Resolver // Default adns.DefaultResolver.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

// LookupIPAddr returns the IPv4 and IPv6 addresses for host, which must end
// with a dot.
func (r StrictResolver) LookupIPAddr(ctx context.Context, host string) (ips []net.IPAddr, result adns.Result, rerr error) {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	start := time.Now()
	defer func() {
		rerr = withHint(rerr)
		MetricLookup.ObserveLabels(time.Since(start).Seconds(), pkg, "ipaddr", outcome(rerr))
		mlog.New(pkg, r.Log).WithContext(ctx).Debugx("dns lookup", rerr,
			slog.String("host", host),
			slog.Any("ips", ips),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)))
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resolver := r.Resolver
	if resolver == nil {
		resolver = adns.DefaultResolver
	}
	return resolver.LookupIPAddr(ctx, host)
}

// outcome is the result label for a lookup metric.
func outcome(err error) string {
	var dnsErr *adns.DNSError
	isDNS := errors.As(err, &dnsErr)
	switch {
	case err == nil:
		return "ok"
	case isDNS && dnsErr.IsNotFound:
		return "nxdomain"
	case isDNS && dnsErr.IsTemporary:
		return "temporary"
	case isDNS && dnsErr.IsTimeout, errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

// withHint adds a pointer to resolv.conf when the local nameserver refuses
// connections, a common cause for failing submissions from laptops.
func withHint(err error) error {
	var dnsErr *adns.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsTemporary || runtime.GOOS != "linux" {
		return err
	}
	local := dnsErr.Server == "127.0.0.1:53" || dnsErr.Server == "[::1]:53"
	if local && strings.HasSuffix(dnsErr.Err, "connection refused") {
		return fmt.Errorf("%w (hint: is the nameserver in /etc/resolv.conf running?)", err)
	}
	return err
}

