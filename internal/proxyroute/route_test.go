package proxyroute

import (
	"testing"

	"github.com/relaymock/relay/internal/httpwire"
)

func TestParseTargetAbsoluteForm(t *testing.T) {
	route, err := ParseTarget("http://example.com:8080/widgets?id=1")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if route.Form != AbsoluteForm || route.Scheme != "http" || route.Host != "example.com" || route.Port != 8080 || route.Path != "/widgets?id=1" {
		t.Fatalf("unexpected route: %+v", route)
	}
}

func TestParseTargetAbsoluteFormImplicitPort(t *testing.T) {
	route, err := ParseTarget("https://example.com/widgets")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if route.Port != 0 {
		t.Fatalf("expected implicit port to stay 0 until Resolve, got %d", route.Port)
	}
}

func TestParseTargetOriginForm(t *testing.T) {
	route, err := ParseTarget("/widgets?id=1")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if route.Form != OriginForm || route.Path != "/widgets?id=1" {
		t.Fatalf("unexpected route: %+v", route)
	}
}

func TestResolveAbsoluteFormUsesItsOwnHostPort(t *testing.T) {
	route, _ := ParseTarget("http://example.com:8080/x")
	dest, err := Resolve(route, "ignored.example.com", httpwire.Destination{}, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dest.Hostname != "example.com" || dest.Port != 8080 {
		t.Fatalf("unexpected destination: %+v", dest)
	}
}

func TestResolveAbsoluteFormImplicitPortDefaultsToScheme(t *testing.T) {
	route, _ := ParseTarget("https://example.com/x")
	dest, err := Resolve(route, "", httpwire.Destination{}, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dest.Port != 443 {
		t.Fatalf("expected implicit https port 443, got %d", dest.Port)
	}
}

func TestResolveOriginFormPrefersTunnelDestination(t *testing.T) {
	route, _ := ParseTarget("/x")
	tunnel := httpwire.Destination{Hostname: "tunnelled.example.com", Port: 443}
	dest, err := Resolve(route, "host-header.example.com", tunnel, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dest != tunnel {
		t.Fatalf("expected tunnel destination to win, got %+v", dest)
	}
}

func TestResolveOriginFormFallsBackToHostHeader(t *testing.T) {
	route, _ := ParseTarget("/x")
	dest, err := Resolve(route, "example.com:9000", httpwire.Destination{}, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dest.Hostname != "example.com" || dest.Port != 9000 {
		t.Fatalf("unexpected destination: %+v", dest)
	}
}

func TestResolveOriginFormHostHeaderImplicitPort(t *testing.T) {
	route, _ := ParseTarget("/x")
	dest, err := Resolve(route, "example.com", httpwire.Destination{}, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dest.Hostname != "example.com" || dest.Port != 80 {
		t.Fatalf("unexpected destination: %+v", dest)
	}
}

func TestResolveOriginFormNoHostIsError(t *testing.T) {
	route, _ := ParseTarget("/x")
	if _, err := Resolve(route, "", httpwire.Destination{}, false); err == nil {
		t.Fatal("expected an error for a Host-less, un-tunnelled origin-form request")
	}
}

func TestEnforceTLSInterceptOnlyRejectsPlaintext(t *testing.T) {
	err := EnforceTLSInterceptOnly("secure.example.com", false, []string{"secure.example.com"})
	if err == nil {
		t.Fatal("expected an error for a plaintext request to a TLS-intercept-only host")
	}
}

func TestEnforceTLSInterceptOnlyAllowsSecure(t *testing.T) {
	if err := EnforceTLSInterceptOnly("secure.example.com", true, []string{"secure.example.com"}); err != nil {
		t.Fatalf("unexpected error for a TLS request: %v", err)
	}
}

func TestEnforceTLSInterceptOnlyIgnoresUnlistedHosts(t *testing.T) {
	if err := EnforceTLSInterceptOnly("other.example.com", false, []string{"secure.example.com"}); err != nil {
		t.Fatalf("unexpected error for an unlisted host: %v", err)
	}
}

func TestProxyEnv(t *testing.T) {
	env := ProxyEnv("http://127.0.0.1:8000")
	if env["HTTP_PROXY"] != "http://127.0.0.1:8000" || env["HTTPS_PROXY"] != "http://127.0.0.1:8000" {
		t.Fatalf("unexpected proxy env: %+v", env)
	}
}
