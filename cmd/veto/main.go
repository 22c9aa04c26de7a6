// Command veto is a log-driven IP blocker: it tails log files, matches
// lines against configured filters, and blocks offending source addresses
// at the packet filter for a configurable duration.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vetod/veto/internal/veto/analyze"
	"github.com/vetod/veto/internal/veto/common/clock"
	"github.com/vetod/veto/internal/veto/common/log"
	"github.com/vetod/veto/internal/veto/config"
	"github.com/vetod/veto/internal/veto/daemon"
	"github.com/vetod/veto/internal/veto/firewall"
	"github.com/vetod/veto/internal/veto/firewall/ipset"
	"github.com/vetod/veto/internal/veto/firewall/nft"
	"github.com/vetod/veto/internal/veto/journal"
	"github.com/vetod/veto/internal/veto/watch"
)

const (
	exitOK       = 0
	exitConfig   = 1
	exitInit     = 2
	exitShutdown = 3
	exitSignal   = 130
)

var (
	cfgFile     string
	analyzeRule string
	historyN    int
)

var rootCmd = &cobra.Command{
	Use:           "veto",
	Short:         "Log-driven IP blocker",
	Long:          "Veto tails log files, detects abusive clients with regex filters, and drops their packets at the firewall for a configurable duration.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the blocking daemon in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze --rule <name> <file>",
	Short: "Replay a file through one rule's matcher without blocking",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runAnalyze(args[0])
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and compile all rules",
	Run: func(cmd *cobra.Command, args []string) {
		runCheckConfig()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent block and unblock events from the journal",
	Run: func(cmd *cobra.Command, args []string) {
		runHistory()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "configuration file path")
	analyzeCmd.Flags().StringVar(&analyzeRule, "rule", "", "rule name to replay")
	_ = analyzeCmd.MarkFlagRequired("rule")
	historyCmd.Flags().IntVarP(&historyN, "count", "n", 20, "number of events to print")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	setupLogging()

	// Bare invocation runs the daemon.
	if len(os.Args) == 1 {
		runDaemon()
		return
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func setupLogging() {
	level := os.Getenv("VETO_LOG")
	if level == "" {
		level = "info"
	}
	if err := log.Configure(false, level); err != nil {
		fmt.Fprintf(os.Stderr, "logging configuration error: %v\n", err)
		os.Exit(exitConfig)
	}
}

// configPath resolves the configuration file: VETO_CONFIG overrides
// --config, which defaults to /etc/veto/config.toml.
func configPath() string {
	if env := os.Getenv("VETO_CONFIG"); env != "" {
		return env
	}
	return cfgFile
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Error(map[string]any{"path": configPath(), "error": err}, "configuration error")
		os.Exit(exitConfig)
	}
	return cfg
}

func buildFirewall(cfg *config.Config) firewall.Firewall {
	logger := log.GetLogger()
	switch cfg.Backend {
	case "nft":
		return nft.New(cfg.Target, logger)
	default:
		return ipset.New(cfg.Target, logger)
	}
}

func runDaemon() {
	cfg := loadConfig()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Error(map[string]any{"dir": cfg.StateDir, "error": err}, "cannot create state directory")
		os.Exit(exitInit)
	}

	jnl, err := journal.Open(filepath.Join(cfg.StateDir, daemon.JournalFile))
	if err != nil {
		log.Warn(map[string]any{"error": err}, "journal unavailable, continuing without history")
		jnl = nil
	} else {
		defer jnl.Close()
	}

	d, err := daemon.New(cfg, buildFirewall(cfg), jnl, clock.RealClock{}, log.GetLogger())
	if err != nil {
		log.Error(map[string]any{"error": err}, "configuration error")
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info(map[string]any{
		"rules":   len(cfg.Rules),
		"backend": cfg.Backend,
		"target":  cfg.Target.String(),
	}, "veto started")

	err = d.Run(ctx)
	signalled := ctx.Err() != nil
	stop()

	switch {
	case errors.Is(err, daemon.ErrShutdownIncomplete):
		log.Warn(map[string]any{"error": err}, "shutdown incomplete")
		os.Exit(exitShutdown)
	case errors.Is(err, daemon.ErrAlreadyRunning),
		errors.Is(err, watch.ErrWatcherInit),
		errors.Is(err, firewall.ErrFirewallInit):
		log.Error(map[string]any{"error": err}, "initialization error")
		os.Exit(exitInit)
	case err != nil:
		log.Error(map[string]any{"error": err}, "runtime error")
		os.Exit(exitInit)
	case signalled:
		os.Exit(exitSignal)
	}
}

func runAnalyze(path string) {
	cfg := loadConfig()

	rule, ok := cfg.Rules[analyzeRule]
	if !ok {
		log.Error(map[string]any{"rule": analyzeRule}, "no such rule")
		os.Exit(exitConfig)
	}
	matchers, err := daemon.BuildMatchers(cfg)
	if err != nil {
		log.Error(map[string]any{"error": err}, "configuration error")
		os.Exit(exitConfig)
	}

	report, err := analyze.File(matchers[rule.Name], path)
	if err != nil {
		log.Error(map[string]any{"path": path, "error": err}, "analyze failed")
		os.Exit(exitInit)
	}

	fmt.Printf("rule %s: %d lines, %d matched, %d distinct addresses\n",
		report.Rule, report.TotalLines, report.Matched(), len(report.Addrs))
	for i, count := range report.FilterMatches {
		fmt.Printf("  filter %d: %d\n", i, count)
	}
	for _, addr := range report.Addrs {
		fmt.Printf("  %s\n", addr)
	}
}

func runCheckConfig() {
	cfg := loadConfig()
	if _, err := daemon.BuildMatchers(cfg); err != nil {
		log.Error(map[string]any{"error": err}, "configuration error")
		os.Exit(exitConfig)
	}
	fmt.Printf("configuration OK: %d rules, %d whitelist entries\n", len(cfg.Rules), len(cfg.Whitelist))
}

func runHistory() {
	cfg := loadConfig()

	jnl, err := journal.Open(filepath.Join(cfg.StateDir, daemon.JournalFile))
	if err != nil {
		log.Error(map[string]any{"error": err}, "cannot open journal")
		os.Exit(exitInit)
	}
	defer jnl.Close()

	records, err := jnl.Recent(historyN)
	if err != nil {
		log.Error(map[string]any{"error": err}, "cannot read journal")
		os.Exit(exitInit)
	}
	for _, rec := range records {
		fmt.Printf("%s  %-9s %-39s %s\n", rec.Time.Format("2006-01-02 15:04:05"), rec.Kind, rec.Addr, rec.Rule)
	}
}
