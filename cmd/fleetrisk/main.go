// fleetrisk analyzes fleet driver violations: it aggregates violation
// trends, scores driver risk, summarizes short real-time windows, serves
// those analyses over HTTP and alerts on high-risk drivers via ntfy.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/setevik/fleetrisk/internal/classifier"
	"github.com/setevik/fleetrisk/internal/config"
	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/format"
	"github.com/setevik/fleetrisk/internal/ingest"
	"github.com/setevik/fleetrisk/internal/logging"
	"github.com/setevik/fleetrisk/internal/metrics"
	"github.com/setevik/fleetrisk/internal/pipeline"
	"github.com/setevik/fleetrisk/internal/realtime"
	"github.com/setevik/fleetrisk/internal/reporter"
	"github.com/setevik/fleetrisk/internal/risk"
	"github.com/setevik/fleetrisk/internal/server"
	"github.com/setevik/fleetrisk/internal/source"
	"github.com/setevik/fleetrisk/internal/store"
	"github.com/setevik/fleetrisk/internal/trends"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "trends":
			runTrends(os.Args[2:])
			return
		case "risk":
			runRisk(os.Args[2:])
			return
		case "realtime":
			runRealtime(os.Args[2:])
			return
		case "import":
			runImport(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "test-ntfy":
			runTestNtfyCmd(os.Args[2:])
			return
		case "version":
			fmt.Println("fleetrisk", version)
			return
		}
	}

	// Default: serve the API.
	runServe(os.Args[1:])
}

func runServe(args []string) {
	fs := flag.NewFlagSet("fleetrisk", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *showVersion {
		fmt.Println("fleetrisk", version)
		os.Exit(0)
	}

	cfg := loadConfig(*configPath)
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	slog.Info("fleetrisk starting",
		"version", version,
		"instance", cfg.Instance.ID,
		"fleet", cfg.Instance.Fleet,
	)

	if err := serve(cfg); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening event database: %w", err)
	}
	defer db.Close()

	slog.Info("event database opened", "path", cfg.DBPath())

	// Run retention purge on startup.
	if cfg.DB.Retention.Duration > 0 {
		purged, err := db.Purge(ctx, cfg.DB.Retention.Duration)
		if err != nil {
			slog.Warn("failed to purge old records", "error", err)
		} else if purged > 0 {
			slog.Info("purged old records", "count", purged, "retention", cfg.DB.Retention.Duration)
		}
	}

	go metrics.StartDBStatsCollector(ctx, db.SQL(), 15*time.Second)

	srv, err := server.New(cfg, db,
		server.WithLogger(slog.Default()),
		server.WithHealthCheck(db.SQL().PingContext),
	)
	if err != nil {
		return err
	}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Run(ctx) }()

	// Follow the export command when configured.
	var ingestDone <-chan error
	if cfg.Ingest.Follow {
		done, err := follow(ctx, cfg, db)
		if err != nil {
			cancel()
			<-srvErr
			return err
		}
		ingestDone = done
	}

	// Periodic alert check.
	rep := reporter.NewNtfy(cfg)
	scorer := risk.New(db, cfg.RiskModel())
	alerter := reporter.NewAlerter(rep, db, cfg.Cooldown.Window.Duration, cfg.Ntfy.MinScore)
	var alertCh <-chan time.Time
	if rep.Enabled() && cfg.Ntfy.CheckInterval.Duration > 0 {
		alertTicker := time.NewTicker(cfg.Ntfy.CheckInterval.Duration)
		defer alertTicker.Stop()
		alertCh = alertTicker.C
		slog.Info("risk alerts enabled", "interval", cfg.Ntfy.CheckInterval.Duration, "min_score", cfg.Ntfy.MinScore)
	}

	// Notify systemd we are ready (sd_notify).
	sdNotify("READY=1")

	// Start watchdog ticker if WatchdogSec is configured.
	var watchdogCh <-chan time.Time
	if wdInterval := watchdogInterval(); wdInterval > 0 {
		// Ping at half the watchdog interval.
		watchdogTicker := time.NewTicker(wdInterval / 2)
		defer watchdogTicker.Stop()
		watchdogCh = watchdogTicker.C
		slog.Info("systemd watchdog enabled", "interval", wdInterval)
	}

	for {
		select {
		case err := <-srvErr:
			return err

		case err := <-ingestDone:
			if err != nil {
				slog.Error("ingest stopped", "error", err)
			}
			ingestDone = nil

		case <-alertCh:
			checkAlerts(ctx, cfg, scorer, alerter)

		case <-watchdogCh:
			sdNotify("WATCHDOG=1")

		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			sdNotify("STOPPING=1")
			cancel()
			return <-srvErr
		}
	}
}

// follow streams the configured export command into the store, restarting
// it whenever it exits.
func follow(ctx context.Context, cfg *config.Config, db *store.DB) (<-chan error, error) {
	if cfg.Ingest.Command == "" {
		return nil, fmt.Errorf("ingest.follow is set but ingest.command is empty")
	}
	kind, ok := ingest.ParseKind(cfg.Ingest.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown ingest.kind %q", cfg.Ingest.Kind)
	}

	supervised := ingest.NewSupervisedSource(
		func() ingest.Source {
			return ingest.NewPipeSource(cfg.Ingest.Command, cfg.Ingest.Args, kind)
		},
		cfg.Ingest.RestartWait.Duration,
		0, // unlimited restarts
	)
	records, err := supervised.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting ingest source: %w", err)
	}

	slog.Info("following ingest command", "command", cfg.Ingest.Command, "kind", kind)

	done := make(chan error, 1)
	go func() {
		st, err := pipeline.New(classifier.New(), db).Run(ctx, records)
		slog.Info("ingest finished",
			"violations", st.Violations,
			"events", st.Events,
			"skipped", st.Skipped,
		)
		done <- err
	}()
	return done, nil
}

// checkAlerts rescores every driver and alerts on those at or above the
// configured score.
func checkAlerts(ctx context.Context, cfg *config.Config, scorer *risk.Scorer, alerter *reporter.Alerter) {
	profiles, err := scorer.Score(ctx, risk.Query{DaysHistory: cfg.Risk.DaysHistory})
	if err != nil {
		slog.Error("risk check failed", "error", err)
		return
	}
	metrics.HighRiskDrivers.Set(float64(reporter.BuildRiskReport(profiles).HighRiskCount))

	st, err := alerter.Alert(ctx, profiles)
	if err != nil {
		slog.Error("alert pass failed", "error", err)
	}
	if st.Sent+st.Failed > 0 {
		slog.Info("alert pass complete", "sent", st.Sent, "suppressed", st.Suppressed, "failed", st.Failed)
	}
}

// --- trends subcommand ---

func runTrends(args []string) {
	fs := flag.NewFlagSet("trends", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	last := fs.String("last", "30d", "trailing window when --from is not set (e.g. 24h, 7d)")
	from := fs.String("from", "", "window start (RFC 3339 or YYYY-MM-DD)")
	to := fs.String("to", "", "window end (default now)")
	groupBy := fs.String("group-by", "day", "period size: hour, day, week or month")
	driver := fs.String("driver", "", "only this driver uuid")
	asJSON := fs.Bool("json", false, "print JSON instead of text")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logging.Setup("error", cfg.Log.Format) // quiet for CLI output

	db := openStore(cfg)
	defer db.Close()

	end := time.Now()
	if *to != "" {
		end = mustParseDate("--to", *to)
	}
	var start time.Time
	if *from != "" {
		start = mustParseDate("--from", *from)
	} else {
		window, err := config.ParseDuration(*last)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --last value %q: %v\n", *last, err)
			os.Exit(1)
		}
		start = end.Add(-window)
	}

	res, err := trends.New(db, cfg.DB.FetchLimit).Run(context.Background(), trends.Query{
		GroupBy:  *groupBy,
		Start:    start,
		End:      end,
		EntityID: *driver,
	})
	exitOnAnalysisError(err)

	report := reporter.BuildTrendReport(res.Buckets, start, end)
	report.Truncated = res.Truncated
	if *asJSON {
		printJSON(report)
		return
	}
	fmt.Print(reporter.FormatTrends(report))
}

// --- risk subcommand ---

func runRisk(args []string) {
	fs := flag.NewFlagSet("risk", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	days := fs.Int("days", 0, "days of history to score (default from config)")
	driver := fs.String("driver", "", "only this driver uuid")
	notify := fs.Bool("notify", false, "send ntfy alerts for drivers at or above ntfy.min_score")
	asJSON := fs.Bool("json", false, "print JSON instead of text")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logging.Setup("error", cfg.Log.Format)

	db := openStore(cfg)
	defer db.Close()

	if *days == 0 {
		*days = cfg.Risk.DaysHistory
	}

	ctx := context.Background()
	profiles, err := risk.New(db, cfg.RiskModel()).Score(ctx, risk.Query{
		DaysHistory: *days,
		EntityID:    *driver,
	})
	exitOnAnalysisError(err)

	report := reporter.BuildRiskReport(profiles)
	if *asJSON {
		printJSON(report)
	} else {
		fmt.Print(reporter.FormatRisk(report))
	}

	if !*notify {
		return
	}
	rep := reporter.NewNtfy(cfg)
	if !rep.Enabled() {
		fmt.Fprintln(os.Stderr, "error: ntfy.url not configured")
		os.Exit(1)
	}
	st, err := reporter.NewAlerter(rep, db, cfg.Cooldown.Window.Duration, cfg.Ntfy.MinScore).Alert(ctx, profiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alert error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Alerts: %d sent, %d suppressed by cooldown, %d failed\n", st.Sent, st.Suppressed, st.Failed)
}

// --- realtime subcommand ---

func runRealtime(args []string) {
	fs := flag.NewFlagSet("realtime", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	timeframe := fs.String("timeframe", "", "window such as 15m, 2h or 7d (default from config)")
	driver := fs.String("driver", "", "only this driver uuid")
	asJSON := fs.Bool("json", false, "print JSON instead of text")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logging.Setup("error", cfg.Log.Format)

	db := openStore(cfg)
	defer db.Close()

	if *timeframe == "" {
		*timeframe = cfg.Realtime.DefaultTimeframe
	}

	w, err := realtime.New(db, cfg.DB.FetchLimit).Analyze(context.Background(), *timeframe, *driver)
	exitOnAnalysisError(err)

	if *asJSON {
		printJSON(w)
		return
	}
	fmt.Print(reporter.FormatWindow(w))
}

// --- import subcommand ---

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	file := fs.String("file", "", "NDJSON file to import, or - for stdin")
	kind := fs.String("kind", "", "record kind: violations, vehicleevents or auto (default from config)")
	pipe := fs.Bool("pipe", false, "run ingest.command and import its output")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if *kind == "" {
		*kind = cfg.Ingest.Kind
	}
	k, ok := ingest.ParseKind(*kind)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown --kind %q\n", *kind)
		os.Exit(1)
	}

	var src ingest.Source
	switch {
	case *pipe:
		if cfg.Ingest.Command == "" {
			fmt.Fprintln(os.Stderr, "error: ingest.command not configured")
			os.Exit(1)
		}
		src = ingest.NewPipeSource(cfg.Ingest.Command, cfg.Ingest.Args, k)
	case *file != "":
		src = ingest.NewReaderSource(*file, k)
	default:
		fmt.Fprintln(os.Stderr, "error: one of --file or --pipe is required")
		os.Exit(1)
	}

	db := openStore(cfg)
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := src.Records(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer src.Stop()

	st, err := pipeline.New(classifier.New(), db).Run(ctx, records)
	fmt.Printf("Imported %d violation(s), %d event(s); %d skipped\n", st.Violations, st.Events, st.Skipped)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import error: %v\n", err)
		os.Exit(1)
	}
}

// --- status subcommand ---

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logging.Setup("error", cfg.Log.Format)

	fmt.Printf("Instance:        %s\n", cfg.Instance.ID)
	fmt.Printf("Fleet:           %s\n", cfg.Instance.Fleet)

	db := openStore(cfg)
	defer db.Close()
	ctx := context.Background()

	// Last violation.
	last, err := db.LastViolation(ctx)
	if err == nil && last != nil {
		ago := time.Since(last.OccurredAt).Truncate(time.Second)
		fmt.Printf("Last violation:  [%s] %s, %s (%s ago)\n", last.Severity, last.Type, last.DisplayName(), format.Duration(ago))
	} else {
		fmt.Println("Last violation:  none")
	}

	// Violations in the last 24h by severity.
	now := time.Now()
	recent, err := db.FetchViolations(ctx, source.Filter{
		Range: source.TimeRange{Start: now.Add(-24 * time.Hour), End: now},
	})
	if err == nil {
		bySev := make(map[event.Severity]int)
		for _, v := range recent {
			bySev[v.Severity]++
		}
		fmt.Printf("Violations (24h): %d high, %d medium, %d low\n",
			bySev[event.SevHigh], bySev[event.SevMedium], bySev[event.SevLow])
	}

	// Real-time tier for the default window.
	if w, err := realtime.New(db, cfg.DB.FetchLimit).Analyze(ctx, cfg.Realtime.DefaultTimeframe, ""); err == nil {
		fmt.Printf("Risk (%s):       %s, %.2f violations/hour\n", w.Timeframe, w.RiskLevel, w.HourlyRate)
	}

	// DB info.
	counts, _ := db.Count(ctx)
	fmt.Printf("DB records:      %d violations, %d events\n", counts.Violations, counts.Events)
	fmt.Printf("DB path:         %s\n", cfg.DBPath())
}

// --- test-ntfy subcommand ---

func runTestNtfyCmd(args []string) {
	fs := flag.NewFlagSet("test-ntfy", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if cfg.Ntfy.URL == "" {
		fmt.Fprintln(os.Stderr, "error: ntfy.url not configured")
		os.Exit(1)
	}

	rep := reporter.NewNtfy(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := rep.Report(ctx, reporter.TestProfile(), false); err != nil {
		fmt.Fprintf(os.Stderr, "error sending test notification: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Test notification sent successfully.")
}

// --- sd_notify support ---

// sdNotify sends a notification to systemd via the NOTIFY_SOCKET.
func sdNotify(state string) {
	socketAddr := os.Getenv("NOTIFY_SOCKET")
	if socketAddr == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketAddr)
	if err != nil {
		slog.Debug("sd_notify: failed to connect", "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		slog.Debug("sd_notify: failed to send", "error", err)
	}
}

// watchdogInterval reads WATCHDOG_USEC from the environment. Returns 0 if
// not set.
func watchdogInterval() time.Duration {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	return time.Duration(usec) * time.Microsecond
}

// --- utilities ---

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config) *store.DB {
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return db
}

func mustParseDate(flagName, raw string) time.Time {
	t, ok := classifier.ParseTime(raw)
	if !ok {
		fmt.Fprintf(os.Stderr, "invalid %s value %q: want RFC 3339 or YYYY-MM-DD\n", flagName, raw)
		os.Exit(1)
	}
	return t
}

// exitOnAnalysisError reports err and exits. Input errors exit with status 2.
func exitOnAnalysisError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if source.IsInvalidInput(err) {
		os.Exit(2)
	}
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
