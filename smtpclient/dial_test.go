package smtpclient

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/mjl-/mailout/dns"
)

func TestDial(t *testing.T) {
	ctxbg := context.Background()

	resolver := dns.MockResolver{
		A: map[string][]string{
			"dualstack.example.": {"10.0.0.1"},
		},
		AAAA: map[string][]string{
			"dualstack.example.": {"2001:db8::1"},
		},
	}

	var dialed []string
	fail := map[string]bool{}
	DialHook = func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		if fail[addr] {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}
	defer func() {
		DialHook = nil
	}()

	_, host, err := Dial(ctxbg, nil, nil, resolver, "dualstack.example", 587, 0)
	if err != nil || host.ASCII != "dualstack.example" {
		t.Fatalf("dial: got %v %v", host, err)
	}
	if !slices.Equal(dialed, []string{"10.0.0.1:587"}) {
		t.Fatalf("dialed %v", dialed)
	}

	// First IP fails, second is tried.
	dialed = nil
	fail["10.0.0.1:587"] = true
	if _, _, err := Dial(ctxbg, nil, nil, resolver, "dualstack.example", 587, 0); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if !slices.Equal(dialed, []string{"10.0.0.1:587", "[2001:db8::1]:587"}) {
		t.Fatalf("dialed %v", dialed)
	}

	// All fail.
	fail["[2001:db8::1]:587"] = true
	if _, _, err := Dial(ctxbg, nil, nil, resolver, "dualstack.example", 587, 0); err == nil {
		t.Fatalf("dial succeeded, expected error")
	}

	// IP literal is not resolved.
	dialed = nil
	_, host, err = Dial(ctxbg, nil, nil, resolver, "[192.0.2.1]", 25, 0)
	if err != nil || host.ASCII != "192.0.2.1" || !slices.Equal(dialed, []string{"192.0.2.1:25"}) {
		t.Fatalf("dial ip: %v %v %v", host, err, dialed)
	}

	// Unknown host.
	if _, _, err := Dial(ctxbg, nil, nil, resolver, "absent.example", 25, 0); !dns.IsNotFound(err) {
		t.Fatalf("got %v, expected not found", err)
	}
}
