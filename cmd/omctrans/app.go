package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/omc-mirror/omctrans/browser"
	"github.com/omc-mirror/omctrans/config"
	"github.com/omc-mirror/omctrans/journal"
	"github.com/omc-mirror/omctrans/locator"
	"github.com/omc-mirror/omctrans/orchestrator"
	"github.com/omc-mirror/omctrans/pipeline"
	"github.com/omc-mirror/omctrans/publisher"
	"github.com/omc-mirror/omctrans/site"
	"github.com/omc-mirror/omctrans/store"
	"github.com/omc-mirror/omctrans/translator"
)

// appOptions selects how much of the stack a subcommand needs.
type appOptions struct {
	// requireLogin authenticates the site session; credentials become
	// mandatory.
	requireLogin bool
	// needBrowser launches the headless browser; commands that only read
	// listings over plain HTTP leave it off.
	needBrowser bool
	limit       int
	dryRun      bool
}

// app holds one fully wired instance of the mirror. Everything is injected
// through this struct; there is no package-level state.
type app struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	st   *store.Store
	site *site.Client
	pub  *publisher.Publisher
	pipe *pipeline.Pipeline

	br    *browser.Browser
	jrnl  *journal.Journal
	flush func()
}

// newApp loads configuration and credentials, builds the component graph,
// logs in and launches the browser when asked to. Any error here is fatal to
// the process.
func newApp(ctx context.Context, configPath string, opts appOptions) (*app, error) {
	log, flush, err := newLogger()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadCredentials(opts.requireLogin); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.LanguagesRoot)
	if err != nil {
		return nil, err
	}
	sc, err := site.New(cfg.BaseURL, log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:   cfg,
		log:   log,
		st:    st,
		site:  sc,
		pub:   publisher.New(cfg.Git.RepoPath, cfg.Git.Remote, cfg.Git.AuthorName, cfg.Git.AuthorEmail, log),
		flush: flush,
	}

	if opts.requireLogin {
		if err := sc.Login(ctx, cfg.Username, cfg.Password); err != nil {
			return nil, fmt.Errorf("login failed: %w", err)
		}
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			log.Warnw("journal unavailable, continuing without it", "path", cfg.JournalPath, "error", err)
		} else {
			a.jrnl = j
		}
	}

	if opts.needBrowser {
		br, err := browser.Launch(ctx, log)
		if err != nil {
			return nil, fmt.Errorf("browser launch failed: %w", err)
		}
		a.br = br
	}

	deps := pipeline.Deps{
		Config:     cfg,
		Store:      st,
		Site:       sc,
		Translator: translator.New(cfg.APIKey, cfg.Model, log),
		Journal:    a.jrnl,
		Publish:    a.pub.Publish,
		Log:        log,
		Limit:      opts.limit,
		DryRun:     opts.dryRun,
	}
	if a.br != nil {
		deps.Extractor = a.br
		deps.Renderer = a.br
	}
	a.pipe = pipeline.New(deps)
	return a, nil
}

// newLogger builds the process logger: development config by default,
// production JSON when OMCTRANS_LOG=prod.
func newLogger() (*zap.SugaredLogger, func(), error) {
	var (
		l   *zap.Logger
		err error
	)
	if os.Getenv("OMCTRANS_LOG") == "prod" {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l.Sugar(), func() { _ = l.Sync() }, nil
}

// Close releases the browser and journal and flushes logs.
func (a *app) Close() {
	if a.br != nil {
		a.br.Close()
	}
	if a.jrnl != nil {
		if err := a.jrnl.Close(); err != nil {
			a.log.Debugw("journal close failed", "error", err)
		}
	}
	if a.flush != nil {
		a.flush()
	}
}

// resolveContests picks the contests a command operates on: the explicit
// flag when given, otherwise the contests the home page marks as running,
// otherwise the most recently ended one.
func (a *app) resolveContests(ctx context.Context, flagValue string) []string {
	if flagValue != "" {
		return []string{flagValue}
	}
	doc, err := a.site.Document(ctx, a.cfg.BaseURL+"/")
	if err != nil {
		a.log.Warnw("home page fetch failed", "error", err)
		return nil
	}
	if ids := locator.ActiveContests(doc); len(ids) > 0 {
		return ids
	}
	if id := locator.LatestEndedContest(doc); id != "" {
		return []string{id}
	}
	a.log.Warnw("no contest found on home page")
	return nil
}

// publish pushes written paths, logging failures as warnings.
func (a *app) publish(ctx context.Context, paths []string, message string) {
	if len(paths) == 0 {
		return
	}
	if err := a.pub.Publish(ctx, paths, message); err != nil {
		a.log.Warnw("publish failed", "message", message, "error", err)
	}
}

// orchestratorSteps adapts the app's components to the orchestrator's
// delegated operations.
func (a *app) orchestratorSteps() orchestrator.Steps {
	return orchestrator.Steps{
		Participate: func(ctx context.Context, id string) error {
			_, err := a.site.Participate(ctx, id)
			return err
		},
		SyncTasks: func(ctx context.Context, id string) error {
			_, err := a.pipe.SyncTasks(ctx, id)
			return err
		},
		SyncEditorials: func(ctx context.Context, id string) error {
			_, err := a.pipe.SyncEditorials(ctx, id)
			return err
		},
		SyncUserEditorials: func(ctx context.Context, id string) error {
			_, err := a.pipe.SyncUserEditorials(ctx, id)
			return err
		},
		Publish: func(ctx context.Context, message string) error {
			// nil paths stage everything pending under the repo.
			return a.pub.Publish(ctx, nil, message)
		},
		ActiveContests: func(ctx context.Context) ([]string, error) {
			doc, err := a.site.Document(ctx, a.cfg.BaseURL+"/")
			if err != nil {
				return nil, err
			}
			return locator.ActiveContests(doc), nil
		},
		RecentContests: func(ctx context.Context, n int) ([]string, error) {
			ids, err := locator.AllContests(a.cfg.BaseURL)
			if err != nil {
				return nil, err
			}
			if len(ids) > n {
				ids = ids[:n]
			}
			return ids, nil
		},
		AllContests: func(ctx context.Context) ([]string, error) {
			return locator.AllContests(a.cfg.BaseURL)
		},
		ContestDuration: func(ctx context.Context, id string) (int, error) {
			meta, err := a.site.ContestMetadata(ctx, id)
			if err != nil {
				return 0, err
			}
			return meta.DurationMin, nil
		},
	}
}
