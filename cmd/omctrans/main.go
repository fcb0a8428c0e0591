package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omc-mirror/omctrans/config"
	"github.com/omc-mirror/omctrans/journal"
	"github.com/omc-mirror/omctrans/locator"
	"github.com/omc-mirror/omctrans/orchestrator"
	"github.com/omc-mirror/omctrans/store"
)

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := getEnv("OMCTRANS_CONFIG", "config.yaml")
	subcommand := os.Args[1]
	args := os.Args[2:]

	switch subcommand {
	case "sync":
		handleSync(configPath, args)
	case "editorials":
		handleEditorials(configPath, args)
	case "user-editorials":
		handleUserEditorials(configPath, args)
	case "backfill":
		handleBackfill(configPath, args)
	case "participate":
		handleParticipate(configPath, args)
	case "translate":
		handleTranslate(configPath, args)
	case "orchestrate":
		handleOrchestrate(configPath, args)
	case "history":
		handleHistory(configPath, args)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("omctrans - contest translation mirror")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  omctrans <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  sync             Mirror task statements of the active (or given) contest")
	fmt.Println("  editorials       Mirror official editorials of a contest")
	fmt.Println("  user-editorials  Mirror user-submitted editorials of a contest")
	fmt.Println("  backfill         Re-check recent contests for anything missing")
	fmt.Println("  participate      Register the account in the active (or given) contest")
	fmt.Println("  translate        Force-translate one item: <kind> <contest> <item> [user]")
	fmt.Println("  orchestrate      Run the daily workflow once, or as a daemon")
	fmt.Println("  history          Show recent journal events")
	fmt.Println("  help             Show this help message")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  OMCTRANS_CONFIG  Path to the YAML config file (default: config.yaml)")
	fmt.Println("  OMCTRANS_LOG     Set to 'prod' for production logging")
	fmt.Println("  OPENAI_API_KEY   Translation API key (required)")
	fmt.Println("  OMC_USERNAME     Site login name (required unless --no-login)")
	fmt.Println("  OMC_PASSWORD     Site password (required unless --no-login)")
}

// fatal prints an error and exits 1. Only configuration and credential
// problems go through here; everything downstream is warn-and-continue.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// signalContext is cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func handleSync(configPath string, args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	contest := fs.String("contest", "", "contest id (default: auto-detect)")
	contestJSON := fs.Bool("contest-json", false, "print contest metadata as JSON and exit")
	noLogin := fs.Bool("no-login", false, "skip login (ended contests are public)")
	limit := fs.Int("limit", 0, "process at most n items")
	dryRun := fs.Bool("dry-run", false, "log intended work without side effects")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	if *contestJSON {
		emitContestJSON(ctx, configPath, *contest)
		return
	}

	a, err := newApp(ctx, configPath, appOptions{
		requireLogin: !*noLogin,
		needBrowser:  true,
		limit:        *limit,
		dryRun:       *dryRun,
	})
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	for _, id := range a.resolveContests(ctx, *contest) {
		paths, err := a.pipe.SyncTasks(ctx, id)
		if err != nil {
			a.log.Warnw("task sync failed", "contest", id, "error", err)
			continue
		}
		a.publish(ctx, paths, fmt.Sprintf("Add tasks for %s", id))
	}
}

// emitContestJSON prints {"contest_id","duration_min"} for the resolved
// contest and performs no other side effects.
func emitContestJSON(ctx context.Context, configPath, contest string) {
	a, err := newApp(ctx, configPath, appOptions{})
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	ids := a.resolveContests(ctx, contest)
	if len(ids) == 0 {
		fatal(fmt.Errorf("no contest found"))
	}
	meta, err := a.site.ContestMetadata(ctx, ids[0])
	if err != nil {
		fatal(err)
	}
	out, err := json.Marshal(meta)
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func handleEditorials(configPath string, args []string) {
	fs := flag.NewFlagSet("editorials", flag.ExitOnError)
	contest := fs.String("contest", "", "contest id (default: most recently ended)")
	noLogin := fs.Bool("no-login", false, "skip login")
	limit := fs.Int("limit", 0, "process at most n items")
	dryRun := fs.Bool("dry-run", false, "log intended work without side effects")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, configPath, appOptions{
		requireLogin: !*noLogin,
		needBrowser:  true,
		limit:        *limit,
		dryRun:       *dryRun,
	})
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	for _, id := range a.resolveContests(ctx, *contest) {
		paths, err := a.pipe.SyncEditorials(ctx, id)
		if err != nil {
			a.log.Warnw("editorial sync failed", "contest", id, "error", err)
			continue
		}
		a.publish(ctx, paths, fmt.Sprintf("Add editorials for %s", id))
	}
}

func handleUserEditorials(configPath string, args []string) {
	fs := flag.NewFlagSet("user-editorials", flag.ExitOnError)
	contest := fs.String("contest", "", "contest id (default: most recently ended)")
	all := fs.Bool("all", false, "crawl every contest on the site")
	limit := fs.Int("limit", 0, "process at most n items")
	dryRun := fs.Bool("dry-run", false, "log intended work without side effects")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	// User editorials are public; no session needed.
	a, err := newApp(ctx, configPath, appOptions{
		needBrowser: true,
		limit:       *limit,
		dryRun:      *dryRun,
	})
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	var contests []string
	if *all && *contest == "" {
		contests, err = locator.AllContests(a.cfg.BaseURL)
		if err != nil {
			fatal(fmt.Errorf("failed to list contests: %w", err))
		}
	} else {
		contests = a.resolveContests(ctx, *contest)
	}

	for _, id := range contests {
		// The pipeline publishes user editorials itself, in batches.
		if _, err := a.pipe.SyncUserEditorials(ctx, id); err != nil {
			a.log.Warnw("user editorial sync failed", "contest", id, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func handleBackfill(configPath string, args []string) {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	depth := fs.Int("depth", 3, "how many recent contests to re-check")
	all := fs.Bool("all", false, "re-check every contest on the site")
	limit := fs.Int("limit", 0, "process at most n items per contest")
	dryRun := fs.Bool("dry-run", false, "log intended work without side effects")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, configPath, appOptions{
		needBrowser: true,
		limit:       *limit,
		dryRun:      *dryRun,
	})
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	contests, err := locator.AllContests(a.cfg.BaseURL)
	if err != nil {
		fatal(fmt.Errorf("failed to list contests: %w", err))
	}
	if !*all && len(contests) > *depth {
		contests = contests[:*depth]
	}

	for _, id := range contests {
		var paths []string
		if p, err := a.pipe.SyncTasks(ctx, id); err == nil {
			paths = append(paths, p...)
		} else {
			a.log.Warnw("task sync failed", "contest", id, "error", err)
		}
		if p, err := a.pipe.SyncEditorials(ctx, id); err == nil {
			paths = append(paths, p...)
		} else {
			a.log.Warnw("editorial sync failed", "contest", id, "error", err)
		}
		a.publish(ctx, paths, fmt.Sprintf("Backfill %s", id))
		if ctx.Err() != nil {
			return
		}
	}
}

func handleParticipate(configPath string, args []string) {
	fs := flag.NewFlagSet("participate", flag.ExitOnError)
	contest := fs.String("contest", "", "contest id (default: all active)")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, configPath, appOptions{requireLogin: true})
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	for _, id := range a.resolveContests(ctx, *contest) {
		joined, err := a.site.Participate(ctx, id)
		switch {
		case err != nil:
			a.log.Warnw("participation failed", "contest", id, "error", err)
		case joined:
			a.log.Infow("joined contest", "contest", id)
		default:
			a.log.Infow("already participating", "contest", id)
		}
	}
}

func handleTranslate(configPath string, args []string) {
	fs := flag.NewFlagSet("translate", flag.ExitOnError)
	noLogin := fs.Bool("no-login", false, "skip login")
	dryRun := fs.Bool("dry-run", false, "log intended work without side effects")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: omctrans translate [flags] <kind> <contest> <item> [user]")
		fmt.Fprintln(os.Stderr, "  kind: tasks | editorial | user_editorial")
		os.Exit(1)
	}
	kind := store.Kind(rest[0])
	contestID, itemID := rest[1], rest[2]
	userID := ""
	if len(rest) > 3 {
		userID = rest[3]
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, configPath, appOptions{
		requireLogin: !*noLogin,
		needBrowser:  true,
		dryRun:       *dryRun,
	})
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	if err := a.pipe.Force(ctx, kind, contestID, itemID, userID); err != nil {
		fatal(err)
	}
}

func handleHistory(configPath string, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "show at most n events")
	fs.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.JournalPath == "" {
		fatal(fmt.Errorf("no journal_path configured"))
	}
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		fatal(err)
	}
	defer j.Close()

	events, err := j.RecentEvents(*limit)
	if err != nil {
		fatal(err)
	}
	if len(events) == 0 {
		fmt.Println("No journal events recorded.")
		return
	}

	fmt.Printf("%-20s %-10s %-14s %-10s %-5s %-10s %s\n",
		"TIME", "CONTEST", "KIND", "ITEM", "LANG", "ACTION", "BYTES")
	for _, e := range events {
		fmt.Printf("%-20s %-10s %-14s %-10s %-5s %-10s %d\n",
			e.Time.Format("2006-01-02 15:04:05"), e.Contest, e.Kind, e.ItemID, e.Lang, e.Action, e.Bytes)
	}
}

func handleOrchestrate(configPath string, args []string) {
	fs := flag.NewFlagSet("orchestrate", flag.ExitOnError)
	daemon := fs.Bool("daemon", false, "keep running and start the workflow daily")
	limit := fs.Int("limit", 0, "process at most n items per listing")
	dryRun := fs.Bool("dry-run", false, "log intended work without side effects")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, configPath, appOptions{
		requireLogin: true,
		needBrowser:  true,
		limit:        *limit,
		dryRun:       *dryRun,
	})
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		fatal(fmt.Errorf("failed to load contest timezone: %w", err))
	}
	o := orchestrator.New(a.orchestratorSteps(), loc, a.log)

	if *daemon {
		if err := o.Daemon(ctx); err != nil && ctx.Err() == nil {
			fatal(err)
		}
		return
	}
	if err := o.RunDay(ctx); err != nil && ctx.Err() == nil {
		fatal(err)
	}
}
