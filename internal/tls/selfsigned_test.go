package tls

import (
	"net"
	"regexp"
	"slices"
	"testing"
	"time"
)

func TestSelfSigned(t *testing.T) {
	cfg, fp, err := SelfSigned(time.Hour, "hdmimix.local", "192.0.2.10")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("%d certificates", len(cfg.Certificates))
	}
	leaf := cfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("leaf not parsed")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") || !slices.Contains(leaf.DNSNames, "hdmimix.local") {
		t.Errorf("DNS names = %v", leaf.DNSNames)
	}
	if !slices.ContainsFunc(leaf.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("192.0.2.10")) }) {
		t.Errorf("IP addresses = %v", leaf.IPAddresses)
	}
	if leaf.NotAfter.Sub(leaf.NotBefore) > time.Hour+2*time.Minute {
		t.Errorf("validity %v - %v", leaf.NotBefore, leaf.NotAfter)
	}
	if want := Fingerprint(leaf.Raw); fp != want {
		t.Errorf("fingerprint %s, want %s", fp, want)
	}
	if !regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`).MatchString(fp) {
		t.Errorf("fingerprint format %q", fp)
	}
}

func TestHostOf(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:8080": "127.0.0.1",
		"box.lan:443":    "box.lan",
		":8080":          "",
		"0.0.0.0:8080":   "",
		"[::]:8080":      "",
		"not an address": "",
	}
	for addr, want := range tests {
		if got := HostOf(addr); got != want {
			t.Errorf("HostOf(%q) = %q, want %q", addr, got, want)
		}
	}
}
