package dns

import (
	"context"
	"fmt"
	"net"
	"slices"

	"github.com/mjl-/adns"
)

// MockResolver resolves from its maps, for tests. Keys are absolute names,
// with trailing dot.
type MockResolver struct {
	A     map[string][]string
	AAAA  map[string][]string
	CNAME map[string]string
	Fail  []string // Names for which lookups give a temporary error.
}

var _ Resolver = MockResolver{}

// LookupIPAddr follows CNAMEs and returns the IPv4 addresses followed by the
// IPv6 addresses of the final name.
func (r MockResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, adns.Result{}, err
	}
	name := host
	for hops := 0; ; hops++ {
		if hops >= 10 || slices.Contains(r.Fail, name) {
			return nil, adns.Result{}, &adns.DNSError{Err: "temporary failure", Name: name, Server: "mock", IsTemporary: true}
		}
		target, ok := r.CNAME[name]
		if !ok {
			break
		}
		name = target
	}

	var ips []net.IPAddr
	for _, s := range append(slices.Clone(r.A[name]), r.AAAA[name]...) {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, adns.Result{}, fmt.Errorf("mock: malformed ip %q for %s", s, name)
		}
		ips = append(ips, net.IPAddr{IP: ip})
	}
	if len(ips) == 0 {
		return nil, adns.Result{}, &adns.DNSError{Err: "no record", Name: host, Server: "mock", IsNotFound: true}
	}
	return ips, adns.Result{}, nil
}
