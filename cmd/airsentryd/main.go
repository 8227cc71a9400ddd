// Package main is the CLI entry point for airsentryd — a security
// filtering reverse proxy that sits between an Ollama-compatible
// client and an Ollama-compatible backend.
//
// airsentryd streams prompt and response content through the PANW AI
// Runtime Security content inspection API, gating emission on
// allow/mask/block verdicts while the response is still in flight,
// and records every verdict in a tamper-evident hash-chained ledger.
//
// Architecture overview:
//
//	Ollama client --> airsentryd (:11535) --> Ollama backend (:11434)
//	                    |                          |
//	                    +-- incremental content assessment -+
//	                    |-- policy overlay (force-block / mask override)
//	                    |-- gate emission on verdict
//	                    +-- audit log (hash-chained)
//
// CLI commands (cobra):
//
//	airsentryd run                    - start the proxy
//	airsentryd config validate|init   - validate or scaffold config.yaml
//	airsentryd policy list|add|remove|test - manage the policy rule overlay
//	airsentryd audit query|verify     - inspect the audit ledger
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/airsentry/airsentryd/internal/audit"
	"github.com/airsentry/airsentryd/internal/config"
	"github.com/airsentry/airsentryd/internal/dashboard"
	"github.com/airsentry/airsentryd/internal/inspector"
	"github.com/airsentry/airsentryd/internal/orchestrator"
	"github.com/airsentry/airsentryd/internal/policy"
	"github.com/airsentry/airsentryd/internal/streamreg"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// colorEnabled is resolved once at startup: only colorize action labels
// when stdout is an actual terminal, never when piped to a file or
// another process.
var colorEnabled = isatty.IsTerminal(os.Stdout.Fd())

const (
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiGreen  = "\x1b[32m"
	ansiReset  = "\x1b[0m"
)

// colorizeAction wraps an action label ("allow", "mask", "block") in
// its conventional ANSI color when writing to a terminal.
func colorizeAction(action string) string {
	if !colorEnabled {
		return action
	}
	switch action {
	case "block":
		return ansiRed + action + ansiReset
	case "mask":
		return ansiYellow + action + ansiReset
	case "allow":
		return ansiGreen + action + ansiReset
	default:
		return action
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".airsentryd"
	}
	return filepath.Join(home, ".airsentryd")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configDir string

var rootCmd = &cobra.Command{
	Use:     "airsentryd",
	Short:   "airsentryd — streaming content inspection proxy for Ollama",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "path to airsentryd config and state directory")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(auditCmd)
}

// ============================================================================
// airsentryd run
// ============================================================================

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the airsentryd proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy()
	},
}

func runProxy() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", configDir, err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	rulesPath := cfg.Policy.RulesPath
	if rulesPath == "" {
		rulesPath = filepath.Join(configDir, "rules.yaml")
	}
	policyEngine, err := policy.New(rulesPath)
	if err != nil {
		return fmt.Errorf("initializing policy engine: %w", err)
	}

	auditDir := cfg.Audit.Dir
	if auditDir == "" {
		auditDir = filepath.Join(configDir, "audit")
	}
	auditLog, err := audit.Open(auditDir)
	if err != nil {
		return fmt.Errorf("initializing audit log: %w", err)
	}
	defer auditLog.Close()

	registry := streamreg.New()

	insp := inspector.New(inspector.Config{
		BaseURL:     cfg.Security.BaseURL,
		APIKey:      cfg.Security.APIKey,
		ProfileName: cfg.Security.ProfileName,
		AppName:     cfg.Security.AppName,
		AppUser:     cfg.Security.AppUser,
		Timeout:     time.Duration(cfg.Security.InspectionTimeoutMs) * time.Millisecond,
	})

	// Connection pooling tuned for the Ollama backend (the inspector
	// client builds its own http.Client): reuse TCP connections rather
	// than dialing per request, and disable compression since the
	// content arrives as raw NDJSON that must be parsed incrementally.
	backendTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
	}
	backendClient := &http.Client{Transport: backendTransport}

	var dash *dashboard.Dashboard
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Options{
			AuditLog: auditLog,
			Registry: registry,
			Policy:   policyEngine,
		})
	}

	orchOpts := orchestrator.Options{
		Config:    cfg,
		Inspector: insp,
		Policy:    policyEngine,
		AuditLog:  auditLog,
		Registry:  registry,
		Client:    backendClient,
	}
	if dash != nil {
		orchOpts.OnVerdict = dash.BroadcastVerdict
	}
	orch := orchestrator.New(orchOpts)

	mux := http.NewServeMux()
	mux.Handle("/", orch)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher, err := config.NewWatcher(filepath.Dir(rulesPath), rulesPath, config.WatchTargets{
		OnRulesChange: func() {
			if reloadErr := policyEngine.Reload(); reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[airsentryd] policy reload failed: %v\n", reloadErr)
			} else {
				fmt.Println("[airsentryd] policy rules reloaded")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	var dashServer *http.Server
	if dash != nil {
		dashMux := http.NewServeMux()
		dashMux.Handle("/dashboard", dash)
		dashMux.Handle("/dashboard/", dash)
		dashMux.Handle("/dashboard/ws", dash.WebSocketHandler())
		dashMux.Handle("/api/", dash.APIHandler())
		dashAddr := fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)
		dashServer = &http.Server{Addr: dashAddr, Handler: dashMux, ReadHeaderTimeout: 10 * time.Second}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		fmt.Printf("[airsentryd] proxy listening on http://%s\n", addr)
		errCh <- server.ListenAndServe()
	}()
	if dashServer != nil {
		go func() {
			fmt.Printf("[airsentryd] dashboard listening on http://%s/dashboard\n", dashServer.Addr)
			errCh <- dashServer.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		fmt.Println("\n[airsentryd] shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[airsentryd] shutdown error: %v\n", err)
	}
	if dashServer != nil {
		if err := dashServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "[airsentryd] dashboard shutdown error: %v\n", err)
		}
	}

	fmt.Println("[airsentryd] stopped")
	return nil
}

// ============================================================================
// airsentryd config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or scaffold the airsentryd configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		if _, err := config.Load(path); err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Println("config valid")
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
}

// ============================================================================
// airsentryd policy
// ============================================================================

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the policy rule overlay",
}

func rulesPathFlag() string {
	return filepath.Join(configDir, "rules.yaml")
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded policy rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := policy.New(rulesPathFlag())
		if err != nil {
			return err
		}
		for _, r := range eng.Rules() {
			pre := r.PreAction
			if pre != "" {
				pre = colorizeAction(pre)
			}
			post := r.PostAction
			if post != "" {
				post = colorizeAction(post)
			}
			fmt.Printf("%-24s pre=%-8s post=%-8s %s\n", r.Name, pre, post, r.Message)
		}
		return nil
	},
}

var policyTestAppUser string
var policyTestDirection string

var policyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Evaluate the pre-check policy for a given app_user/direction",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := policy.New(rulesPathFlag())
		if err != nil {
			return err
		}
		blocked, rule, message := eng.PreCheck(policyTestAppUser, inspector.Direction(policyTestDirection))
		if blocked {
			fmt.Printf("blocked by rule %q: %s\n", rule, message)
		} else {
			fmt.Println("not blocked by any pre-check rule")
		}
		return nil
	},
}

type rulesFile struct {
	Rules []policy.Rule `yaml:"rules"`
}

func readRulesFile(path string) (rulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rulesFile{}, nil
		}
		return rulesFile{}, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return rulesFile{}, fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	return f, nil
}

func writeRulesFile(path string, f rulesFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling rules file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

var (
	policyAddName       string
	policyAddAppUser    []string
	policyAddCategory   []string
	policyAddDirection  string
	policyAddPreAction  string
	policyAddPostAction string
	policyAddMessage    string
)

var policyAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a rule to the policy overlay (triggers a hot reload via the config watcher)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if policyAddName == "" {
			return fmt.Errorf("--name is required")
		}
		path := rulesPathFlag()
		f, err := readRulesFile(path)
		if err != nil {
			return err
		}
		for _, r := range f.Rules {
			if r.Name == policyAddName {
				return fmt.Errorf("a rule named %q already exists", policyAddName)
			}
		}
		f.Rules = append(f.Rules, policy.Rule{
			Name:       policyAddName,
			PreAction:  policyAddPreAction,
			PostAction: policyAddPostAction,
			Message:    policyAddMessage,
			Match: policy.RuleMatch{
				AppUser:   policyAddAppUser,
				Category:  policyAddCategory,
				Direction: policyAddDirection,
			},
		})
		if err := writeRulesFile(path, f); err != nil {
			return err
		}
		fmt.Printf("added rule %q to %s\n", policyAddName, path)
		return nil
	},
}

var policyRemoveName string

var policyRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a rule from the policy overlay by name",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := rulesPathFlag()
		f, err := readRulesFile(path)
		if err != nil {
			return err
		}
		kept := f.Rules[:0]
		removed := false
		for _, r := range f.Rules {
			if r.Name == policyRemoveName {
				removed = true
				continue
			}
			kept = append(kept, r)
		}
		if !removed {
			return fmt.Errorf("no rule named %q found", policyRemoveName)
		}
		f.Rules = kept
		if err := writeRulesFile(path, f); err != nil {
			return err
		}
		fmt.Printf("removed rule %q from %s\n", policyRemoveName, path)
		return nil
	},
}

func init() {
	policyTestCmd.Flags().StringVar(&policyTestAppUser, "app-user", "default", "app_user to evaluate")
	policyTestCmd.Flags().StringVar(&policyTestDirection, "direction", "prompt", "prompt or response")

	policyAddCmd.Flags().StringVar(&policyAddName, "name", "", "unique rule name (required)")
	policyAddCmd.Flags().StringSliceVar(&policyAddAppUser, "app-user", nil, "app_user glob patterns to match (repeatable)")
	policyAddCmd.Flags().StringSliceVar(&policyAddCategory, "category", nil, "verdict categories to match (repeatable)")
	policyAddCmd.Flags().StringVar(&policyAddDirection, "direction", "", "prompt, response, or empty for either")
	policyAddCmd.Flags().StringVar(&policyAddPreAction, "pre-action", "", "block to force-block before the inspector runs")
	policyAddCmd.Flags().StringVar(&policyAddPostAction, "post-action", "", "mask to override the inspector's verdict action")
	policyAddCmd.Flags().StringVar(&policyAddMessage, "message", "", "message surfaced when this rule fires")

	policyRemoveCmd.Flags().StringVar(&policyRemoveName, "name", "", "rule name to remove (required)")

	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyAddCmd)
	policyCmd.AddCommand(policyRemoveCmd)
	policyCmd.AddCommand(policyTestCmd)
}

// ============================================================================
// airsentryd audit
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit ledger",
}

var auditQueryStreamID string
var auditQueryAction string
var auditQueryLimit int

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := audit.Open(filepath.Join(configDir, "audit"))
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer log.Close()

		entries, err := log.Query(audit.QueryParams{
			StreamID: auditQueryStreamID,
			Action:   auditQueryAction,
			Limit:    auditQueryLimit,
		})
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}
		for _, e := range entries {
			fmt.Printf("[%s] seq=%d stream=%s %s action=%s masked=%v rule=%s\n",
				e.Timestamp, e.Seq, e.StreamID, e.Direction, colorizeAction(e.Action), e.IsMasked, e.Rule)
		}
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain integrity of the audit ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := audit.Open(filepath.Join(configDir, "audit"))
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer log.Close()

		result, err := log.VerifyChain()
		if err != nil {
			return fmt.Errorf("verifying chain: %w", err)
		}
		if result.Valid {
			fmt.Printf("chain valid: %d entries checked\n", result.EntriesChecked)
			return nil
		}
		return fmt.Errorf("chain broken at entry %d (checked %d)", result.BrokenAt, result.EntriesChecked)
	},
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditQueryStreamID, "stream-id", "", "filter by stream id")
	auditQueryCmd.Flags().StringVar(&auditQueryAction, "action", "", "filter by action (allow/mask/block)")
	auditQueryCmd.Flags().IntVar(&auditQueryLimit, "limit", 50, "maximum entries to return")
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}
