package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/freightdesk/intake/internal/agent"
	"github.com/freightdesk/intake/internal/config"
	"github.com/freightdesk/intake/internal/email"
	"github.com/freightdesk/intake/internal/logging"
	"github.com/freightdesk/intake/internal/mailbox"
	"github.com/freightdesk/intake/internal/models"
	"github.com/freightdesk/intake/internal/reconcile"
	"github.com/freightdesk/intake/internal/scheduler"
	"github.com/freightdesk/intake/internal/store"
	"github.com/freightdesk/intake/internal/template"
	"github.com/freightdesk/intake/internal/vendor"
	"github.com/freightdesk/intake/internal/web"
)

var (
	cfgFile    string
	vendorFile string
	jsonOutput bool
)

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake",
		Short: "Intake - shipment request reconciliation for a freight desk mailbox",
		Long: `Intake polls a logistics mailbox, groups messages into conversations,
builds shipment sessions from customer requests and follow-ups, asks
customers for missing details and tracks vendor quotes.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.intake/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&vendorFile, "vendors", "", "vendor directory file or folder (default is vendors.yaml next to the config)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(setStatusCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(vendorsCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the mailbox on a schedule and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func pollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Process one batch of unread mail and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the batch summary as JSON")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List shipment sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(status, limit)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show sessions with this status (incomplete, pending_info, complete)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of sessions to show")
	return cmd
}

func sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session <id>",
		Short: "Show one session with its fields and outbound messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runSession(id)
		},
	}
}

func setStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Override a session's status",
		Long:  "Set a session's status explicitly. This is the only way to move a session out of complete.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runSetStatus(id, args[1])
		},
	}
}

func assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <session-id> <vendor-id>",
		Short: "Send a session to a vendor for a quote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runAssign(id, args[1])
		},
	}
}

func vendorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vendors",
		Short: "List vendors in the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVendors()
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show message and session counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid session id %q", s)
	}
	return id, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if vendorFile != "" {
		cfg.Vendors.File = vendorFile
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

// loadVendors returns an empty directory when no vendor file exists yet.
func loadVendors(cfg *config.Config) (*vendor.Directory, error) {
	if _, err := os.Stat(cfg.Vendors.File); errors.Is(err, os.ErrNotExist) {
		logging.Log.WithField("path", cfg.Vendors.File).Warn("vendor directory not found, vendor replies will not be recognised")
		return vendor.New(nil)
	}
	dir, err := vendor.Load(cfg.Vendors.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load vendors: %w", err)
	}
	return dir, nil
}

// buildReconciler wires the pipeline. mb may be nil for admin-only commands.
func buildReconciler(ctx context.Context, cfg *config.Config, st *store.Store, vendors *vendor.Directory, mb reconcile.Mailbox) (*reconcile.Reconciler, error) {
	backend, err := agent.New(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", cfg.LLM.Provider, err)
	}

	templates, err := template.NewEngine(cfg.SMTP.FromName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize templates: %w", err)
	}

	sender := email.NewSender(cfg.SMTP, cfg.Pipeline.DryRun)
	dispatcher := reconcile.NewDispatcher(sender, templates, cfg.SMTP.From, cfg.SMTP.FromName, cfg.SMTP.SendInterval())

	logging.Log.WithField("llm", backend.Name()).WithField("sender", sender.Name()).Debug("pipeline ready")
	return reconcile.New(st, mb, vendors, backend, backend, dispatcher, reconcile.OptionsFromConfig(cfg.Pipeline)), nil
}

type app struct {
	cfg        *config.Config
	store      *store.Store
	vendors    *vendor.Directory
	mailbox    *mailbox.Client
	reconciler *reconcile.Reconciler
}

func (rt *app) Close() {
	if rt.mailbox != nil {
		rt.mailbox.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// openRuntime loads everything. withMailbox requires a fully valid config.
func openRuntime(ctx context.Context, withMailbox bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if withMailbox {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}

	rt := &app{cfg: cfg}
	if rt.vendors, err = loadVendors(cfg); err != nil {
		return nil, err
	}
	if rt.store, err = openStore(cfg); err != nil {
		return nil, err
	}

	var mb reconcile.Mailbox
	if withMailbox {
		rt.mailbox = mailbox.NewClient(cfg.Mailbox)
		mb = rt.mailbox
	}

	if rt.reconciler, err = buildReconciler(ctx, cfg, rt.store, rt.vendors, mb); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched, err := scheduler.New(rt.reconciler, rt.cfg.Pipeline.Interval())
	if err != nil {
		return err
	}

	var server *web.Server
	if rt.cfg.Server.Enabled {
		server = web.NewServer(rt.cfg.Server.Addr, rt.store, rt.reconciler, sched, rt.vendors)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Start()
		// First batch right away instead of waiting a full interval
		if _, err := sched.RunOnce(gctx); err != nil {
			logging.Log.WithError(err).Warn("initial poll failed")
		}
		<-gctx.Done()
		<-sched.Stop().Done()
		return nil
	})

	if server != nil {
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logging.Log.WithField("interval", rt.cfg.Pipeline.Interval().String()).
		WithField("dry_run", rt.cfg.Pipeline.DryRun).Info("intake running")

	if err := g.Wait(); err != nil {
		return err
	}
	logging.Log.Info("shut down cleanly")
	return nil
}

func runPoll() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	summary, err := rt.reconciler.RunBatch(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Printf("Fetched %d, processed %d, duplicates %d, failed %d, exhausted %d\n",
		summary.Fetched, summary.Processed, summary.Duplicates, summary.Failed, summary.Exhausted)
	for _, r := range summary.Results {
		line := fmt.Sprintf("  %-10s %s", r.Outcome, r.MessageID)
		if r.Role != "" {
			line += fmt.Sprintf(" role=%s", r.Role)
		}
		if r.SessionID != 0 {
			line += fmt.Sprintf(" session=#%d status=%s", r.SessionID, r.Status)
		}
		if r.Response != "" {
			line += fmt.Sprintf(" reply=%s sent=%t", r.Response, r.Sent)
		}
		if r.Error != "" {
			line += " error=" + r.Error
		}
		fmt.Println(line)
	}
	return nil
}

func runSessions(status string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if status != "" {
		st, ok := models.ParseSessionStatus(status)
		if !ok {
			return fmt.Errorf("unknown status %q", status)
		}
		status = string(st)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.Queries().ListSessions(context.Background(), status, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	for _, s := range sessions {
		fmt.Printf("#%-5d %-12s %-28s %s\n", s.ID, s.Status, truncate(s.CustomerEmail, 28), truncate(s.Subject, 50))
		detail := "updated " + humanize.Time(s.UpdatedAt)
		if len(s.MissingFields) > 0 {
			detail += fmt.Sprintf(", missing %s", joinFields(s.MissingFields))
		}
		if s.VendorID != "" {
			detail += ", vendor " + s.VendorID
			if s.AwaitingVendor() {
				detail += " (awaiting reply)"
			}
		}
		fmt.Printf("       %s\n", detail)
	}
	return nil
}

func runSession(id int64) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	s, err := st.Queries().GetSession(ctx, id)
	if err != nil {
		return err
	}
	responses, err := st.Queries().ListResponses(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Session #%d  %s\n", s.ID, s.Status)
	fmt.Printf("  Subject:  %s\n", s.Subject)
	fmt.Printf("  Customer: %s %s\n", s.CustomerName, s.CustomerEmail)
	fmt.Printf("  Thread:   %s\n", s.ThreadKey)
	fmt.Printf("  Created:  %s (%s)\n", s.CreatedAt.Format("2006-01-02 15:04"), humanize.Time(s.CreatedAt))
	if s.CompletedAt != nil {
		fmt.Printf("  Complete: %s\n", s.CompletedAt.Format("2006-01-02 15:04"))
	}

	fmt.Println()
	fmt.Println("Fields:")
	for _, f := range models.AllFields {
		if v := s.Fields.Get(f); v != "" {
			fmt.Printf("  %-20s %s\n", f.Label()+":", v)
		}
	}
	if len(s.MissingFields) > 0 {
		fmt.Printf("  Missing: %s\n", joinFields(s.MissingFields))
	}

	if s.VendorID != "" {
		fmt.Println()
		fmt.Printf("Vendor: %s\n", s.VendorID)
		if s.VendorNotifiedAt != nil {
			fmt.Printf("  Notified: %s\n", humanize.Time(*s.VendorNotifiedAt))
		}
		if s.VendorRepliedAt != nil {
			fmt.Printf("  Replied:  %s\n", humanize.Time(*s.VendorRepliedAt))
			fmt.Printf("  Reply:    %s\n", truncate(strings.ReplaceAll(s.VendorReplyContent, "\n", " "), 200))
		}
	}

	if len(responses) > 0 {
		fmt.Println()
		fmt.Println("Outbound:")
		for _, r := range responses {
			mark := "sent"
			if !r.Sent {
				mark = "NOT SENT: " + r.Error
			}
			fmt.Printf("  %s %-20s to %s (%s)\n", r.CreatedAt.Format("2006-01-02 15:04"), r.Type, r.To, mark)
		}
	}
	return nil
}

func runSetStatus(id int64, status string) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := rt.reconciler.OverrideStatus(ctx, id, status)
	if err != nil {
		return err
	}
	fmt.Printf("Session #%d is now %s\n", s.ID, s.Status)
	return nil
}

func runAssign(id int64, vendorID string) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, rec, err := rt.reconciler.AssignVendor(ctx, id, vendorID)
	if err != nil {
		return err
	}

	fmt.Printf("Session #%d assigned to %s, status %s\n", s.ID, vendorID, s.Status)
	if rec.Sent {
		fmt.Printf("Notification sent to %s\n", rec.To)
	} else {
		fmt.Printf("Notification NOT sent to %s: %s\n", rec.To, rec.Error)
	}
	return nil
}

func runVendors() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := loadVendors(cfg)
	if err != nil {
		return err
	}
	if len(dir.Vendors) == 0 {
		fmt.Println("No vendors configured.")
		return nil
	}

	vendors := append([]vendor.Vendor(nil), dir.Vendors...)
	sort.Slice(vendors, func(i, j int) bool { return vendors[i].Name < vendors[j].Name })

	fmt.Printf("%d vendors (%d active)\n", len(vendors), len(dir.Active()))
	for _, v := range vendors {
		state := "active"
		if !v.Active {
			state = "inactive"
		}
		fmt.Printf("  %-16s %-30s %-32s %s\n", v.ID, truncate(v.Name, 30), v.Email, state)
	}
	return nil
}

func runStats() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Queries().GetStats(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("Messages:")
	for _, status := range []models.MessageStatus{models.MessageCompleted, models.MessageProcessing, models.MessageFailed} {
		fmt.Printf("  %-14s %s\n", status, humanize.Comma(int64(stats.Messages[string(status)])))
	}
	fmt.Println("Sessions:")
	for _, status := range []models.SessionStatus{models.StatusIncomplete, models.StatusPendingInfo, models.StatusComplete} {
		fmt.Printf("  %-14s %s\n", status, humanize.Comma(int64(stats.Sessions[string(status)])))
	}
	return nil
}

func joinFields(fields []models.Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
