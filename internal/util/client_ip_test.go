package util

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", " 172.16.5.9 ", ""})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}

	cases := []struct {
		name     string
		remote   string
		xff      string
		realIP   string
		trusted  *TrustedProxies
		expected string
	}{
		{name: "untrusted peer ignores headers", remote: "198.51.100.4:5000", xff: "203.0.113.1", realIP: "203.0.113.2", expected: "198.51.100.4"},
		{name: "nil allowlist ignores headers", remote: "10.1.1.1:5000", xff: "203.0.113.1", expected: "10.1.1.1"},
		{name: "single forwarded hop", remote: "10.1.1.1:5000", xff: "203.0.113.1", trusted: trusted, expected: "203.0.113.1"},
		{name: "skips trusted hops from the right", remote: "172.16.5.9:443", xff: "203.0.113.1, 198.51.100.7, 10.9.9.9", trusted: trusted, expected: "198.51.100.7"},
		{name: "every hop trusted", remote: "10.1.1.1:5000", xff: "10.2.2.2, 10.3.3.3", trusted: trusted, expected: "10.2.2.2"},
		{name: "unparseable xff uses x-real-ip", remote: "10.1.1.1:5000", xff: "garbage", realIP: "203.0.113.9", trusted: trusted, expected: "203.0.113.9"},
		{name: "no headers keeps peer", remote: "10.1.1.1:5000", trusted: trusted, expected: "10.1.1.1"},
		{name: "ipv4-mapped peer", remote: "[::ffff:10.1.1.1]:5000", xff: "203.0.113.1", trusted: trusted, expected: "203.0.113.1"},
		{name: "peer without port", remote: "198.51.100.4", expected: "198.51.100.4"},
		{name: "unparseable peer returned raw", remote: "pipe", expected: "pipe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/voice", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req, tc.trusted); got != tc.expected {
				t.Fatalf("ClientIP = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	if tp, err := NewTrustedProxies(nil); err != nil || tp != nil {
		t.Fatalf("empty input = %v, %v", tp, err)
	}
	tp, err := NewTrustedProxies([]string{"192.168.0.0/16", "2001:db8::1"})
	if err != nil {
		t.Fatalf("valid entries: %v", err)
	}
	if !tp.Contains(netip.MustParseAddr("192.168.44.1")) || !tp.Contains(netip.MustParseAddr("2001:db8::1")) {
		t.Fatalf("expected both entries to match")
	}
	if tp.Contains(netip.MustParseAddr("2001:db8::2")) {
		t.Fatalf("bare address should be a single host")
	}
	for _, bad := range []string{"not-an-ip", "10.0.0.0/33"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
