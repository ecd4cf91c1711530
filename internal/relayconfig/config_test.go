package relayconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.RangeStart != 8443 {
		t.Fatalf("expected default range start, got %d", cfg.Listen.RangeStart)
	}
}

func TestLoadParsesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 9443\nmaxBodySize: 1048576\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 9443 {
		t.Fatalf("expected port 9443, got %d", cfg.Listen.Port)
	}
	if cfg.MaxBodySize != 1048576 {
		t.Fatalf("expected maxBodySize 1048576, got %d", cfg.MaxBodySize)
	}
}

func TestLoadParsesSuggestChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("suggestChanges: false\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SuggestChanges == nil || *cfg.SuggestChanges != false {
		t.Fatalf("expected suggestChanges=false, got %v", cfg.SuggestChanges)
	}
}

func TestLoadRejectsInvalidHTTP2Mode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("http2: sometimes\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid http2 mode")
	}
}

func TestLoadRuleParametersMissingFileIsEmptyMap(t *testing.T) {
	params, err := LoadRuleParameters(filepath.Join(t.TempDir(), "rule-parameters.yaml"))
	if err != nil {
		t.Fatalf("LoadRuleParameters: %v", err)
	}
	if len(params) != 0 {
		t.Fatalf("expected empty map, got %v", params)
	}
}

func TestLoadRuleParametersParsesFlatMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rule-parameters.yaml")
	if err := os.WriteFile(path, []byte("targetHost: api.internal.example.com\nretries: 3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	params, err := LoadRuleParameters(path)
	if err != nil {
		t.Fatalf("LoadRuleParameters: %v", err)
	}
	if params["targetHost"] != "api.internal.example.com" {
		t.Fatalf("unexpected targetHost: %v", params["targetHost"])
	}
}

func TestWatcherFiresOnRuleParametersChange(t *testing.T) {
	dir := t.TempDir()
	paramsPath := filepath.Join(dir, "rule-parameters.yaml")
	caCertPath := filepath.Join(dir, "relay-ca.pem")
	caKeyPath := filepath.Join(dir, "relay-ca-key.pem")
	if err := os.WriteFile(paramsPath, []byte("a: 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fired := make(chan string, 1)
	w, err := NewWatcher(dir, paramsPath, caCertPath, caKeyPath, WatchTargets{
		OnRuleParametersChange: func(path string) { fired <- path },
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(paramsPath, []byte("a: 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case path := <-fired:
		if filepath.Base(path) != "rule-parameters.yaml" {
			t.Fatalf("unexpected path: %q", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never fired OnRuleParametersChange")
	}
}
