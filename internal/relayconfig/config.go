// Package relayconfig handles loading, validating, and hot-reloading the
// proxy's bootstrap configuration and its ruleParameters file.
//
// Mirrors the teacher's internal/config package: a YAML-backed struct
// loaded with gopkg.in/yaml.v3, validated and defaulted, with an
// fsnotify-backed Watcher for the files a running session needs to pick
// up without a restart (spec.md §5: ruleParameters and the CA are
// read-only after session start from the engine's point of view — a
// reload swaps them out, it never mutates them in place).
package relayconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaymock/relay/internal/acceptor"
	"github.com/relaymock/relay/internal/certauth"
)

// BootstrapConfig is the top-level relayd configuration, normally loaded
// from config.yaml.
type BootstrapConfig struct {
	Listen        ListenConfig  `yaml:"listen"`
	CA            CAConfig      `yaml:"ca"`
	HTTP2         string        `yaml:"http2"`
	MaxBodySize   int64         `yaml:"maxBodySize"`
	TLSPassthrough []string     `yaml:"tlsPassthroughHosts"`
	TLSInterceptOnly []string   `yaml:"tlsInterceptOnlyHosts"`
	RuleParametersFile string   `yaml:"ruleParametersFile"`
	RulesFile     string        `yaml:"rulesFile"`

	// SuggestChanges gates the 503 no-matching-rule diagnostic's rule
	// listing (spec.md §4.3 item 3). Defaults to true.
	SuggestChanges *bool `yaml:"suggestChanges"`
}

// ListenConfig controls port binding (spec.md §6: "optionally
// auto-selected from a [startPort,endPort] range").
type ListenConfig struct {
	Port       int `yaml:"port"`
	RangeStart int `yaml:"rangeStart"`
	RangeEnd   int `yaml:"rangeEnd"`
}

// CAConfig locates the root CA's PEM files and chooses the leaf key
// algorithm (spec.md §4.1's LoadOrGenerateCA supplement).
type CAConfig struct {
	CertPath  string `yaml:"certPath"`
	KeyPath   string `yaml:"keyPath"`
	KeyAlgorithm string `yaml:"keyAlgorithm"`
}

// Load reads and parses config.yaml from path. A missing file is not an
// error — the caller gets defaults, same as the teacher's config.Load
// treating a fresh install as normal rather than a failure.
func Load(path string) (*BootstrapConfig, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("relayconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("relayconfig: parsing %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("relayconfig: invalid config: %w", err)
	}
	return cfg, nil
}

func defaults() *BootstrapConfig {
	return &BootstrapConfig{
		Listen: ListenConfig{Port: 0, RangeStart: 8443, RangeEnd: 8543},
		CA: CAConfig{
			CertPath:     "relay-ca.pem",
			KeyPath:      "relay-ca-key.pem",
			KeyAlgorithm: string(certauth.ECDSAP256),
		},
		HTTP2:              string(acceptor.HTTP2Fallback),
		MaxBodySize:         10 << 20,
		RuleParametersFile:  "rule-parameters.yaml",
	}
}

func validate(cfg *BootstrapConfig) error {
	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", cfg.Listen.Port)
	}
	if cfg.Listen.Port == 0 && cfg.Listen.RangeStart > cfg.Listen.RangeEnd {
		return fmt.Errorf("listen.rangeStart must be <= listen.rangeEnd")
	}
	switch acceptor.HTTP2Mode(cfg.HTTP2) {
	case acceptor.HTTP2Enabled, acceptor.HTTP2Disabled, acceptor.HTTP2Fallback, "":
	default:
		return fmt.Errorf("http2 %q must be one of true/false/fallback", cfg.HTTP2)
	}
	if cfg.MaxBodySize <= 0 {
		return fmt.Errorf("maxBodySize must be positive")
	}
	switch certauth.KeyAlgorithm(cfg.CA.KeyAlgorithm) {
	case certauth.RSA2048, certauth.ECDSAP256, "":
	default:
		return fmt.Errorf("ca.keyAlgorithm %q is not recognised", cfg.CA.KeyAlgorithm)
	}
	return nil
}

// WriteDefault writes a default config.yaml, for `relayd ca generate`-style
// first-run bootstrapping.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(defaults())
	if err != nil {
		return fmt.Errorf("relayconfig: marshaling default config: %w", err)
	}
	header := "# relayd bootstrap configuration\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}
