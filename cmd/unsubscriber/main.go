package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eraser-privacy/unsubscriber/internal/config"
	"github.com/eraser-privacy/unsubscriber/internal/history"
	"github.com/eraser-privacy/unsubscriber/internal/inbox"
	"github.com/eraser-privacy/unsubscriber/internal/logger"
	"github.com/eraser-privacy/unsubscriber/internal/output"
	"github.com/eraser-privacy/unsubscriber/internal/unsubscribe"
	"github.com/eraser-privacy/unsubscriber/internal/visitor"
)

var (
	cfgFile string
	logEnv  string
)

type runFlags struct {
	concurrency int
	timeout     time.Duration
	outDir      string
	sinceDays   int
	dryRun      bool
	skipVisited bool
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	run := runCmd()

	rootCmd := &cobra.Command{
		Use:   "unsubscriber",
		Short: "Unsubscriber - find and click unsubscribe links in your inbox",
		Long: `Unsubscriber scans your mailbox over IMAP for messages containing
unsubscribe links, keeps one link per sending service and visits them
concurrently. The links are saved to unsubscribe_links.txt and
unsubscribe_services.csv for reference.

Credentials are read from the EMAIL and PASSWORD environment variables
(a .env file in the working directory is loaded automatically).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run.RunE,
	}
	rootCmd.Flags().AddFlagSet(run.Flags())

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.unsubscriber/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logEnv, "log-env", "", "logging environment: development or production")

	rootCmd.AddCommand(run)
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())

	return rootCmd
}

func runCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan the inbox and visit unsubscribe links",
		Long:  "Connect to the mailbox, collect unsubscribe links, visit one link per service and save the results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnsubscribe(cmd, flags)
		},
	}

	cmd.Flags().IntVar(&flags.concurrency, "concurrency", visitor.DefaultConcurrency, "Maximum number of links visited at the same time")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", visitor.DefaultTimeout, "Timeout for each link visit")
	cmd.Flags().StringVar(&flags.outDir, "out-dir", "", "Directory for the output files (default is the current directory)")
	cmd.Flags().IntVar(&flags.sinceDays, "since-days", 0, "Only scan emails from the last N days (0 scans everything)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Collect and save links without visiting them")
	cmd.Flags().BoolVar(&flags.skipVisited, "skip-visited", false, "Skip services already unsubscribed in a previous run")

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long:  "Create a new configuration file with your mailbox and visit settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func statusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show unsubscribe history and statistics",
		Long:  "Display recent link visits and overall statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent visits to show")

	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	env := cfg.Log.Environment
	if logEnv != "" {
		env = logEnv
	}
	if err := logger.Setup(env); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// applyFlags lets explicitly set command-line flags win over the config.
func applyFlags(cmd *cobra.Command, cfg *config.Config, flags runFlags) {
	if cmd.Flags().Changed("concurrency") {
		cfg.Visitor.Concurrency = flags.concurrency
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Visitor.Timeout = flags.timeout
	}
	if cmd.Flags().Changed("out-dir") {
		cfg.Output.Dir = flags.outDir
	}
	if cmd.Flags().Changed("since-days") {
		cfg.Inbox.SinceDays = flags.sinceDays
	}
}

func openHistory(cfg *config.Config) *history.Store {
	if cfg.History.Disabled {
		return nil
	}
	path := cfg.History.Path
	if path == "" {
		path = history.DefaultDBPath()
	}
	store, err := history.NewStore(path)
	if err != nil {
		fmt.Printf("⚠️  History disabled: %v\n", err)
		return nil
	}
	return store
}

func runUnsubscribe(cmd *cobra.Command, flags runFlags) error {
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("Unsubscriber")
	fmt.Println(strings.Repeat("=", 50))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	applyFlags(cmd, cfg, flags)

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingCredentials) {
			printCredentialsHelp()
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts unsubscribe.Options
	opts.Mailbox = inbox.NewScanner(cfg.Inbox)
	opts.Paths = output.NewPaths(cfg.Output.Dir, cfg.Output.LinksFile, cfg.Output.ServicesFile)
	opts.ExcludedDomains = cfg.Visitor.ExcludedDomains
	opts.SkipVisited = flags.skipVisited
	opts.DryRun = flags.dryRun

	if store := openHistory(cfg); store != nil {
		defer store.Close()
		opts.History = store
	}

	var mu sync.Mutex
	opts.Visitor = visitor.New(visitor.Options{
		Concurrency: cfg.Visitor.Concurrency,
		Timeout:     cfg.Visitor.Timeout,
		UserAgent:   cfg.Visitor.UserAgent,
		OnResult: func(r visitor.Result) {
			mu.Lock()
			defer mu.Unlock()
			printVisit(r)
		},
	})

	fmt.Printf("📬 Scanning %s as %s...\n", cfg.Inbox.Folder, cfg.Inbox.Email)
	if !flags.dryRun {
		fmt.Printf("🔗 Links will be visited with up to %d concurrent requests\n", cfg.Visitor.Concurrency)
	}
	fmt.Println()

	report, err := unsubscribe.Run(ctx, opts)
	if err != nil {
		return err
	}

	printReport(report, opts)
	return nil
}

func printCredentialsHelp() {
	fmt.Println()
	fmt.Println("Please set the required environment variables (or add them to a .env file):")
	fmt.Println("EMAIL=your.email@gmail.com")
	fmt.Println("PASSWORD=your-app-password")
	fmt.Println()
	fmt.Println("Note: Gmail requires an app password, not your regular password.")
	fmt.Println("Get an app password at: https://myaccount.google.com/apppasswords")
}

func printVisit(r visitor.Result) {
	switch r.Outcome {
	case visitor.Success:
		fmt.Printf("  ✅ %s (%s)\n", r.Company, truncateURL(r.URL, 70))
	case visitor.BadStatus:
		fmt.Printf("  ❌ %s: failed with status code %d\n", r.Company, r.StatusCode)
	case visitor.Timeout:
		fmt.Printf("  ⏱️  %s: request timed out\n", r.Company)
	case visitor.ConnectionError:
		fmt.Printf("  🔌 %s: connection error\n", r.Company)
	default:
		fmt.Printf("  ❓ %s: %v\n", r.Company, r.Err)
	}
}

func printReport(report unsubscribe.Report, opts unsubscribe.Options) {
	scan := report.Scan

	switch {
	case scan.Status == unsubscribe.ScanAppPasswordRequired:
		fmt.Println("❌ The mail provider requires an app password for this tool.")
		fmt.Println("  1. Enable 2-Step Verification: https://myaccount.google.com/security")
		fmt.Println("  2. Generate an app password: https://myaccount.google.com/apppasswords")
		fmt.Println("  3. Set PASSWORD to the new app password")
		fmt.Println()
		fmt.Println("Could not read the mailbox. Process complete.")
		return
	case scan.Status == unsubscribe.ScanAuthFailed:
		fmt.Printf("❌ Login rejected: %v\n", scan.Err)
		fmt.Println("Check EMAIL and PASSWORD and make sure IMAP access is enabled.")
		fmt.Println()
		fmt.Println("Could not read the mailbox. Process complete.")
		return
	case scan.Status.MailboxFailed():
		fmt.Printf("❌ Mailbox error: %v\n", scan.Err)
		fmt.Println()
		fmt.Println("Could not read the mailbox. Process complete.")
		return
	case len(scan.Services) == 0:
		fmt.Println("No unsubscribe links found. Process complete.")
		return
	}

	fmt.Printf("Found %d unique services from %d links\n", len(scan.Services), scan.Links)
	if report.Skipped > 0 {
		fmt.Printf("Skipped %d excluded or already unsubscribed services\n", report.Skipped)
	}

	if report.Saved {
		fmt.Printf("💾 Saved %d links to %s\n", len(scan.Services), opts.Paths.Links)
		fmt.Printf("💾 Saved %d services to %s\n", len(scan.Services), opts.Paths.Services)
	} else if report.SaveErr != nil {
		fmt.Printf("⚠️  Failed to save results: %v\n", report.SaveErr)
	}
	if report.HistoryErr != nil {
		fmt.Printf("⚠️  Failed to record history: %v\n", report.HistoryErr)
	}

	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if opts.DryRun {
		fmt.Printf("📊 Dry run complete: %d services would be visited\n", len(report.Visited))
		return
	}
	fmt.Printf("📊 Unsubscribe process complete! Successfully visited %d/%d links.\n",
		report.Visits.Succeeded, len(report.Visits.Results))
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("🔐 Unsubscriber Configuration Setup")
	fmt.Println("===================================")
	fmt.Println()

	cfg := &config.Config{}

	fmt.Println("📧 Mailbox")
	fmt.Println()

	cfg.Inbox.Provider = promptDefault(reader, "Provider (gmail/outlook/imap)", "gmail")
	if cfg.Inbox.Provider == "imap" {
		cfg.Inbox.Server = prompt(reader, "IMAP server: ")
		cfg.Inbox.Port = promptInt(reader, "IMAP port", 993)
	}
	cfg.Inbox.Email = prompt(reader, "Email address: ")
	cfg.Inbox.Folder = promptDefault(reader, "Folder", "INBOX")
	fmt.Println("The password is not stored; set PASSWORD in the environment or a .env file.")

	fmt.Println()
	fmt.Println("🔗 Visiting")
	fmt.Println()

	cfg.Visitor.Concurrency = promptInt(reader, "Concurrent requests", visitor.DefaultConcurrency)
	cfg.Visitor.Timeout = visitor.DefaultTimeout
	cfg.Output.Dir = promptDefault(reader, "Output directory", ".")

	path := resolveConfigPath()
	if err := config.Save(path, cfg); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("✅ Configuration saved to %s\n", path)
	return nil
}

func runStatus(limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.History.Path
	if path == "" {
		path = history.DefaultDBPath()
	}
	store, err := history.NewStore(path)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	total, succeeded, failed, err := store.Stats()
	if err != nil {
		return err
	}

	fmt.Println("📊 Unsubscriber Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Total visits: %d\n", total)
	fmt.Printf("  Succeeded: %d\n", succeeded)
	fmt.Printf("  Failed: %d\n", failed)

	visits, err := store.RecentVisits(limit)
	if err != nil {
		return err
	}
	if len(visits) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Printf("📜 Recent Visits (last %d)\n", limit)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	for _, v := range visits {
		status := "✅"
		if v.Status == history.StatusFailed {
			status = "❌"
		}
		fmt.Printf("%s %s - %s (%s, %d emails)\n",
			status,
			v.VisitedAt.Format("2006-01-02 15:04"),
			v.Company,
			v.Domain,
			v.EmailCount,
		)
		if v.Error != "" {
			fmt.Printf("   Error: %s\n", v.Error)
		}
	}
	return nil
}

func prompt(reader *bufio.Reader, message string) string {
	fmt.Print(message)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func promptDefault(reader *bufio.Reader, message, def string) string {
	if v := prompt(reader, fmt.Sprintf("%s [%s]: ", message, def)); v != "" {
		return v
	}
	return def
}

func promptInt(reader *bufio.Reader, message string, def int) int {
	v := promptDefault(reader, message, strconv.Itoa(def))
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func truncateURL(url string, maxLen int) string {
	if len(url) <= maxLen {
		return url
	}
	return url[:maxLen-3] + "..."
}
