// Command relayd is a thin demo harness that boots a Session from a YAML
// bootstrap file for manual/local testing — the admin/RPC façade, CLI
// runner, and CA file-loading tool spec.md §1 names as external
// collaborators are not implemented here.
//
// Trimmed from the teacher's 1500-line cmd/ctrlai/main.go command tree
// down to the handful of commands that exercise this repo's engine:
// start the proxy, generate a root CA, and validate a declarative rule
// set before deploying it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaymock/relay/internal/acceptor"
	"github.com/relaymock/relay/internal/certauth"
	"github.com/relaymock/relay/internal/relayconfig"
	"github.com/relaymock/relay/internal/rules"
	"github.com/relaymock/relay/internal/session"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd — programmable interception proxy engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "relayd.yaml", "bootstrap configuration file")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(rulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy and block until SIGINT/SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

// runStart wires every package together the way the teacher's runStart
// does: load config, load or generate the CA, load the rule set and
// parameters, build the Session, start the fsnotify watcher for hot
// reload, then block on signal.NotifyContext until shutdown.
func runStart(ctx context.Context) error {
	cfg, err := relayconfig.Load(configPath)
	if err != nil {
		return err
	}
	configDir := filepath.Dir(configPath)

	alg := certauth.KeyAlgorithm(cfg.CA.KeyAlgorithm)
	ca, err := certauth.LoadOrGenerateCA(cfg.CA.CertPath, cfg.CA.KeyPath, "relayd interception CA", alg)
	if err != nil {
		return fmt.Errorf("relayd: loading CA: %w", err)
	}

	var ruleParamsPath string
	if cfg.RuleParametersFile != "" {
		ruleParamsPath = cfg.RuleParametersFile
		if !filepath.IsAbs(ruleParamsPath) {
			ruleParamsPath = filepath.Join(configDir, ruleParamsPath)
		}
	}
	params, err := relayconfig.LoadRuleParameters(ruleParamsPath)
	if err != nil {
		return err
	}

	sess := session.New(session.Config{
		CA:                    ca,
		KeyAlgorithm:          alg,
		HTTP2:                 acceptor.HTTP2Mode(cfg.HTTP2),
		TLSPassthroughHosts:   cfg.TLSPassthrough,
		TLSInterceptOnlyHosts: cfg.TLSInterceptOnly,
		MaxBodySize:           cfg.MaxBodySize,
		RuleParameters:        params,
		SuggestChanges:        cfg.SuggestChanges,
	})

	if cfg.RulesFile != "" {
		rulesPath := cfg.RulesFile
		if !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(configDir, rulesPath)
		}
		loaded, err := rules.LoadFile(rulesPath, sess.RuleParameters())
		if err != nil {
			return fmt.Errorf("relayd: loading rules: %w", err)
		}
		sess.HTTPRules.AddRules(loaded...)
		slog.Info("relayd: loaded rules", "count", len(loaded), "file", rulesPath)
	}

	var watcher *relayconfig.Watcher
	if ruleParamsPath != "" {
		watcher, err = relayconfig.NewWatcher(configDir, ruleParamsPath, cfg.CA.CertPath, cfg.CA.KeyPath, relayconfig.WatchTargets{
			OnRuleParametersChange: func(path string) {
				reloaded, err := relayconfig.LoadRuleParameters(path)
				if err != nil {
					slog.Error("relayd: reloading rule parameters", "error", err)
					return
				}
				sess.SetRuleParameters(reloaded)
				slog.Info("relayd: rule parameters reloaded")
			},
			OnCAChange: func() {
				slog.Warn("relayd: CA files changed on disk; restart relayd to pick up the new root")
			},
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	addr, err := sess.Start(cfg.Listen.Port, cfg.Listen.RangeStart, cfg.Listen.RangeEnd)
	if err != nil {
		return fmt.Errorf("relayd: starting session: %w", err)
	}
	slog.Info("relayd: listening", "addr", addr)

	notifyCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-notifyCtx.Done()

	slog.Info("relayd: shutting down")
	return sess.Stop()
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the root interception CA",
}

var caGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate (or reuse) the root CA configured in the bootstrap file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := relayconfig.Load(configPath)
		if err != nil {
			return err
		}
		alg := certauth.KeyAlgorithm(cfg.CA.KeyAlgorithm)
		if _, err := certauth.LoadOrGenerateCA(cfg.CA.CertPath, cfg.CA.KeyPath, "relayd interception CA", alg); err != nil {
			return fmt.Errorf("relayd: generating CA: %w", err)
		}
		fmt.Printf("CA ready: %s, %s\n", cfg.CA.CertPath, cfg.CA.KeyPath)
		return nil
	},
}

func init() {
	caCmd.AddCommand(caGenerateCmd)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with declarative rule-set files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse a rule-set file and report whether it's well-formed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := relayconfig.Load(configPath)
		if err != nil {
			return err
		}
		ruleParamsPath := cfg.RuleParametersFile
		if ruleParamsPath != "" && !filepath.IsAbs(ruleParamsPath) {
			ruleParamsPath = filepath.Join(filepath.Dir(configPath), ruleParamsPath)
		}
		params, err := relayconfig.LoadRuleParameters(ruleParamsPath)
		if err != nil {
			return err
		}
		loaded, err := rules.LoadFile(args[0], params)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d rules, OK\n", args[0], len(loaded))
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
}
