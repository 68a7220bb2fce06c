package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/browser"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/compliance"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/config"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/costtable"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/message"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/quote"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/sla"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/transport"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/workflow"
)

const version = "2.3.0"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "openclaw",
		Short:         "Xianyu message workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(map[string]any{
				"name":           "openclaw",
				"version":        version,
				"engine_version": quote.EngineVersion,
			})
		},
	}

	var (
		quoteOrigin      string
		quoteDestination string
		quoteWeight      float64
		quoteVolumeWt    float64
		quoteCourier     string
		quoteService     string
	)
	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Compute a shipping quote",
		RunE: func(cmd *cobra.Command, args []string) error {
			if quoteDestination == "" || quoteWeight <= 0 {
				return fmt.Errorf("--destination and a positive --weight are required")
			}
			return runQuote(quote.Request{
				Origin:         quoteOrigin,
				Destination:    quoteDestination,
				WeightKg:       quoteWeight,
				VolumeWeightKg: quoteVolumeWt,
				Courier:        quoteCourier,
				ServiceLevel:   quoteService,
			})
		},
	}
	quoteCmd.Flags().StringVar(&quoteOrigin, "origin", "", "origin city")
	quoteCmd.Flags().StringVar(&quoteDestination, "destination", "", "destination city")
	quoteCmd.Flags().Float64Var(&quoteWeight, "weight", 0, "weight in kg")
	quoteCmd.Flags().Float64Var(&quoteVolumeWt, "volume-weight", 0, "volumetric weight in kg")
	quoteCmd.Flags().StringVar(&quoteCourier, "courier", "", "courier name or auto")
	quoteCmd.Flags().StringVar(&quoteService, "service-level", "", "standard, express or urgent")

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check runtime prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}

	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Show configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccounts()
		},
	}

	moduleCmd := &cobra.Command{
		Use:   "module",
		Short: "Show module status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModule()
		},
	}

	messagesCmd := &cobra.Command{
		Use:   "messages",
		Short: "Chat operations",
	}

	var listLimit int
	listUnreadCmd := &cobra.Command{
		Use:   "list-unread",
		Short: "List unread chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListUnread(listLimit)
		},
	}
	listUnreadCmd.Flags().IntVar(&listLimit, "limit", 10, "max sessions")

	var replySessionID, replyText string
	replyCmd := &cobra.Command{
		Use:   "reply",
		Short: "Send one reply to a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if replySessionID == "" || replyText == "" {
				return fmt.Errorf("--session-id and --text are required")
			}
			return runReply(replySessionID, replyText)
		},
	}
	replyCmd.Flags().StringVar(&replySessionID, "session-id", "", "chat session id")
	replyCmd.Flags().StringVar(&replyText, "text", "", "reply text")

	var autoLimit int
	var autoDryRun bool
	autoReplyCmd := &cobra.Command{
		Use:   "auto-reply",
		Short: "Process unread sessions automatically",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAutoReply(autoLimit, autoDryRun)
		},
	}
	autoReplyCmd.Flags().IntVar(&autoLimit, "limit", 10, "max sessions per run")
	autoReplyCmd.Flags().BoolVar(&autoDryRun, "dry-run", false, "classify and compose without sending")

	slaBenchmarkCmd := &cobra.Command{
		Use:   "sla-benchmark",
		Short: "Show SLA window summary and active alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSLABenchmark()
		},
	}

	messagesCmd.AddCommand(listUnreadCmd, replyCmd, autoReplyCmd, slaBenchmarkCmd)

	rootCmd.AddCommand(versionCmd, quoteCmd, doctorCmd, accountsCmd, moduleCmd, messagesCmd)
	rootCmd.AddCommand(listingCommands()...)

	if err := rootCmd.Execute(); err != nil {
		json.NewEncoder(os.Stdout).Encode(map[string]string{"error": err.Error()})
		os.Exit(1)
	}
}

// emit writes one JSON document to stdout.
func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader()
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if err := loader.Load(path); err != nil {
		return nil, nil, err
	}
	return loader, loader.Get(), nil
}

func findConfigFile() string {
	for _, candidate := range []string{"openclaw.yaml", "openclaw.yml", "config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// app wires the stores and engines a command needs. Close releases them in
// reverse order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store           *workflow.Store
	complianceStore *compliance.Store
	center          *compliance.Center
	quotes          *quote.Engine
	slaStore        *sla.Store
	monitor         *sla.Monitor
}

func buildApp() (*app, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)

	store, err := workflow.Open(cfg.Storage.WorkflowDB)
	if err != nil {
		return nil, fmt.Errorf("open workflow store: %w", err)
	}
	complianceStore, err := compliance.NewStore(cfg.Storage.ComplianceDB)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open compliance store: %w", err)
	}
	center, err := compliance.NewCenter(cfg.Compliance.PolicyFile, complianceStore, logger)
	if err != nil {
		complianceStore.Close()
		store.Close()
		return nil, fmt.Errorf("load compliance policies: %w", err)
	}
	slaStore, err := sla.NewStore(cfg.Storage.WorkflowDB)
	if err != nil {
		complianceStore.Close()
		store.Close()
		return nil, fmt.Errorf("open sla store: %w", err)
	}

	a := &app{
		cfg:             cfg,
		logger:          logger,
		store:           store,
		complianceStore: complianceStore,
		center:          center,
		slaStore:        slaStore,
		monitor:         sla.NewMonitor(cfg.SLA, slaStore, cfg.Storage.SLAMetricsFile, logger),
	}
	a.quotes = buildQuoteEngine(cfg, logger)
	return a, nil
}

func (a *app) Close() {
	a.slaStore.Close()
	a.complianceStore.Close()
	a.store.Close()
}

func buildQuoteEngine(cfg *config.Config, logger *slog.Logger) *quote.Engine {
	table, err := costtable.LoadCSV(cfg.Quote.CostTablePath)
	if err != nil {
		logger.Warn("cost table unavailable, quotes fall back to templates",
			"path", cfg.Quote.CostTablePath, "error", err)
		table = costtable.Empty()
	}

	snapshots, err := quote.NewSnapshotStore(cfg.Storage.QuoteSnapshotDB)
	if err != nil {
		logger.Warn("quote snapshot store unavailable", "error", err)
		snapshots = nil
	}

	var remote quote.RemoteProvider
	if cfg.Quote.Mode == "hybrid" && cfg.Quote.RemoteURL != "" {
		remote = quote.NewHTTPRemoteProvider(cfg.Quote.RemoteURL,
			time.Duration(cfg.Quote.TimeoutMs)*time.Millisecond)
	}

	return quote.NewEngine(quote.Config{
		Mode:                 cfg.Quote.Mode,
		RetryTimes:           cfg.Quote.RetryTimes,
		Timeout:              time.Duration(cfg.Quote.TimeoutMs) * time.Millisecond,
		TTL:                  time.Duration(cfg.Quote.TTLSeconds) * time.Second,
		MaxStale:             time.Duration(cfg.Quote.MaxStaleSeconds) * time.Second,
		HotTTL:               time.Duration(cfg.Quote.HotTTLSeconds) * time.Second,
		SafetyMargin:         cfg.Quote.SafetyMargin,
		CircuitFailThreshold: cfg.Quote.CircuitFailThreshold,
		CircuitOpenWindow:    time.Duration(cfg.Quote.CircuitOpenSeconds) * time.Second,
		DefaultCourier:       cfg.Quote.DefaultCourier,
	}, remote, quote.NewRuleProvider(table, ""), snapshots, logger)
}

// buildTransport constructs the configured chat channel. In auto mode the
// returned retry transport is the DOM channel; otherwise it is nil.
func buildTransport(cfg *config.Config, logger *slog.Logger) (primary, domRetry transport.Transport, err error) {
	mode := cfg.Messages.Transport

	newDOM := func() transport.Transport {
		client := browser.NewClient(cfg.Browser.ControlURL, cfg.Browser.Profile,
			time.Duration(cfg.Browser.TimeoutSec)*time.Second)
		return transport.NewDOMTransport(client, logger)
	}

	if mode == "dom" {
		return newDOM(), nil, nil
	}

	tokens, err := transport.NewTokenClient(cfg.Transport.TokenEndpoint,
		cfg.Transport.AppKey, cfg.Account.Cookie, cfg.Transport.UserAgent)
	if err != nil {
		if mode == "auto" {
			logger.Warn("websocket channel unavailable, using dom only", "error", err)
			return newDOM(), nil, nil
		}
		return nil, nil, fmt.Errorf("websocket transport: %w", err)
	}
	ws := transport.NewWSTransport(cfg.Transport, tokens, logger)
	if mode == "auto" {
		return ws, newDOM(), nil
	}
	return ws, nil, nil
}

func runQuote(req quote.Request) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return emit(a.quotes.GetQuote(ctx, req))
}

func runAccounts() error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cookieStatus := "missing"
	if cfg.Account.Cookie != "" {
		cookieStatus = "configured"
	}
	return emit(map[string]any{
		"accounts": []map[string]any{
			{
				"id":     cfg.Account.ID,
				"cookie": cookieStatus,
			},
		},
	})
}

func runModule() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pending, _ := a.store.PendingJobCount()
	sessions, _ := a.store.ListSessions(0)
	return emit(map[string]any{
		"module":         "message-workflow-engine",
		"version":        version,
		"quote":          a.quotes.Health(),
		"policy_version": a.center.PolicyVersion(),
		"sessions":       len(sessions),
		"pending_jobs":   pending,
		"sla":            a.monitor.Summarize(),
	})
}

func runListUnread(limit int) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	primary, _, err := buildTransport(a.cfg, a.logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := primary.Start(ctx); err != nil {
		return err
	}
	defer primary.Stop()

	sessions := primary.GetUnreadSessions(ctx, limit)
	if sessions == nil {
		sessions = []transport.Session{}
	}
	return emit(map[string]any{"unread": sessions, "count": len(sessions)})
}

func runReply(sessionID, text string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	primary, domRetry, err := buildTransport(a.cfg, a.logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := primary.Start(ctx); err != nil {
		return err
	}
	defer primary.Stop()

	svc := message.NewService(a.cfg.Messages, a.cfg.Account.ID, a.store,
		a.center, a.quotes, primary, domRetry, a.logger)
	result, err := svc.Reply(ctx, sessionID, text)
	if err != nil {
		return err
	}
	return emit(result)
}

func runAutoReply(limit int, dryRun bool) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	primary, domRetry, err := buildTransport(a.cfg, a.logger)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := primary.Start(ctx); err != nil {
		return err
	}
	defer primary.Stop()
	if domRetry != nil {
		if err := domRetry.Start(ctx); err != nil {
			a.logger.Warn("dom retry channel unavailable", "error", err)
			domRetry = nil
		} else {
			defer domRetry.Stop()
		}
	}

	svc := message.NewService(a.cfg.Messages, a.cfg.Account.ID, a.store,
		a.center, a.quotes, primary, domRetry, a.logger)

	workerCfg := a.cfg.Worker
	if limit > 0 {
		workerCfg.ScanLimit = limit
		workerCfg.ClaimLimit = limit
	}
	workerCfg.MaxCycles = 1

	worker := workflow.NewWorker(workerCfg, a.store, primary, svc, a.monitor,
		a.cfg.Storage.WorkerStateFile, dryRun, a.logger)
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return emit(map[string]any{
		"status":  "complete",
		"dry_run": dryRun,
		"sla":     a.monitor.Summarize(),
	})
}

func runSLABenchmark() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	alerts, err := a.slaStore.ActiveAlerts()
	if err != nil {
		return err
	}
	if alerts == nil {
		alerts = []*sla.Alert{}
	}
	return emit(map[string]any{
		"summary": a.monitor.Summarize(),
		"alerts":  alerts,
	})
}

type doctorCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // ok, warn, fail
	Detail string `json:"detail,omitempty"`
}

func runDoctor() error {
	var checks []doctorCheck
	var nextSteps []string
	add := func(name, status, detail string, step string) {
		checks = append(checks, doctorCheck{Name: name, Status: status, Detail: detail})
		if step != "" {
			nextSteps = append(nextSteps, step)
		}
	}

	_, cfg, err := loadConfig()
	if err != nil {
		add("config", "fail", err.Error(), "fix the config file and rerun")
		emit(map[string]any{
			"ready": false, "summary": "configuration invalid",
			"checks": checks, "next_steps": nextSteps,
		})
		os.Exit(1)
	}
	add("config", "ok", "", "")

	if cfg.Account.Cookie == "" {
		add("cookie", "warn", "no account cookie configured",
			"set XIANYU_COOKIE_1 or account.cookie")
	} else if _, err := transport.NewTokenClient(cfg.Transport.TokenEndpoint,
		cfg.Transport.AppKey, cfg.Account.Cookie, cfg.Transport.UserAgent); err != nil {
		add("cookie", "warn", err.Error(), "refresh the account cookie")
	} else {
		add("cookie", "ok", "", "")
	}

	if store, err := workflow.Open(cfg.Storage.WorkflowDB); err != nil {
		add("workflow_db", "fail", err.Error(), "check storage.workflow_db path permissions")
	} else {
		store.Close()
		add("workflow_db", "ok", "", "")
	}

	if cstore, err := compliance.NewStore(cfg.Storage.ComplianceDB); err != nil {
		add("compliance_db", "fail", err.Error(), "check storage.compliance_db path permissions")
	} else {
		cstore.Close()
		add("compliance_db", "ok", "", "")
	}

	if _, err := compliance.LoadPolicyFile(cfg.Compliance.PolicyFile); err != nil {
		add("policy_file", "warn", err.Error(), "fix "+cfg.Compliance.PolicyFile)
	} else {
		add("policy_file", "ok", "", "")
	}

	if table, err := costtable.LoadCSV(cfg.Quote.CostTablePath); err != nil {
		add("cost_table", "warn", err.Error(),
			"provide a cost table CSV at "+cfg.Quote.CostTablePath)
	} else {
		add("cost_table", "ok", fmt.Sprintf("%d lanes", table.Len()), "")
	}

	browserClient := browser.NewClient(cfg.Browser.ControlURL, cfg.Browser.Profile,
		time.Duration(cfg.Browser.TimeoutSec)*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := browserClient.Ping(ctx); err != nil {
		add("browser_control", "warn", err.Error(),
			"start the browser control service at "+cfg.Browser.ControlURL)
	} else {
		add("browser_control", "ok", "", "")
	}

	ready := true
	failed := false
	for _, c := range checks {
		if c.Status == "fail" {
			ready = false
			failed = true
		}
		if c.Status == "warn" {
			ready = false
		}
	}
	summary := "all checks passed"
	if !ready {
		summary = "some checks need attention"
	}
	if err := emit(map[string]any{
		"ready":      ready,
		"summary":    summary,
		"checks":     checks,
		"next_steps": nextSteps,
	}); err != nil {
		return err
	}
	// warnings alone keep exit code 0
	if failed {
		os.Exit(1)
	}
	return nil
}

// listingCommands covers the item-management surface. The publishing,
// polishing and analytics flows run inside external collaborators; these
// subcommands validate inputs and dispatch the browser profile.
func listingCommands() []*cobra.Command {
	type dispatch struct {
		use    string
		short  string
		action string
		needID bool
	}
	specs := []dispatch{
		{use: "polish", short: "Refresh an item listing", action: "polish", needID: true},
		{use: "delist", short: "Take an item off the shelf", action: "delist", needID: true},
		{use: "relist", short: "Put an item back on the shelf", action: "relist", needID: true},
		{use: "analytics", short: "Collect listing analytics", action: "analytics"},
	}

	var cmds []*cobra.Command
	for _, spec := range specs {
		spec := spec
		var itemID string
		cmd := &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				if spec.needID && itemID == "" {
					return fmt.Errorf("--item-id is required")
				}
				return runListingAction(spec.action, map[string]string{"item_id": itemID})
			},
		}
		if spec.needID {
			cmd.Flags().StringVar(&itemID, "item-id", "", "item id")
		}
		cmds = append(cmds, cmd)
	}

	var pubTitle string
	var pubPrice float64
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a new item listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pubTitle == "" || pubPrice <= 0 {
				return fmt.Errorf("--title and a positive --price are required")
			}
			return runListingAction("publish", map[string]string{
				"title": pubTitle,
				"price": fmt.Sprintf("%.2f", pubPrice),
			})
		},
	}
	publishCmd.Flags().StringVar(&pubTitle, "title", "", "listing title")
	publishCmd.Flags().Float64Var(&pubPrice, "price", 0, "listing price")

	var priceItemID string
	var newPrice float64
	priceCmd := &cobra.Command{
		Use:   "price",
		Short: "Change an item's price",
		RunE: func(cmd *cobra.Command, args []string) error {
			if priceItemID == "" || newPrice <= 0 {
				return fmt.Errorf("--item-id and a positive --price are required")
			}
			return runListingAction("price", map[string]string{
				"item_id": priceItemID,
				"price":   fmt.Sprintf("%.2f", newPrice),
			})
		},
	}
	priceCmd.Flags().StringVar(&priceItemID, "item-id", "", "item id")
	priceCmd.Flags().Float64Var(&newPrice, "price", 0, "new price")

	return append(cmds, publishCmd, priceCmd)
}

func runListingAction(action string, params map[string]string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := browser.NewClient(cfg.Browser.ControlURL, cfg.Browser.Profile,
		time.Duration(cfg.Browser.TimeoutSec)*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := "dispatched"
	detail := ""
	if err := client.Ping(ctx); err != nil {
		status = "browser_unavailable"
		detail = err.Error()
	} else if err := client.Start(ctx); err != nil {
		status = "browser_unavailable"
		detail = err.Error()
	}

	doc := map[string]any{
		"action":  action,
		"profile": cfg.Browser.Profile,
		"status":  status,
	}
	for k, v := range params {
		if v != "" {
			doc[k] = v
		}
	}
	if detail != "" {
		doc["detail"] = detail
	}
	return emit(doc)
}
