package passthrough

import (
	"testing"

	"github.com/relaymock/relay/internal/rules"
)

func TestSelectProxyHonorsNoProxySuffix(t *testing.T) {
	cfg := rules.ProxyConfig{ProxyURL: "proxy.internal:3128", NoProxy: []string{"internal.example.com"}}

	if got := selectProxy("api.internal.example.com", 443, cfg); got != "" {
		t.Fatalf("expected direct connection for noProxy suffix match, got %q", got)
	}
	if got := selectProxy("api.other.com", 443, cfg); got != cfg.ProxyURL {
		t.Fatalf("expected proxy for non-matching host, got %q", got)
	}
}

func TestSelectProxyNoProxyPortIsExact(t *testing.T) {
	cfg := rules.ProxyConfig{ProxyURL: "proxy.internal:3128", NoProxy: []string{"internal.example.com:8443"}}

	if got := selectProxy("api.internal.example.com", 443, cfg); got != cfg.ProxyURL {
		t.Fatalf("expected proxy when noProxy entry's port doesn't match, got %q", got)
	}
	if got := selectProxy("api.internal.example.com", 8443, cfg); got != "" {
		t.Fatalf("expected direct connection when port matches noProxy entry, got %q", got)
	}
}

func TestSelectProxyEmptyProxyURLIsAlwaysDirect(t *testing.T) {
	if got := selectProxy("anything.example.com", 443, rules.ProxyConfig{}); got != "" {
		t.Fatalf("expected direct connection with no proxy configured, got %q", got)
	}
}
