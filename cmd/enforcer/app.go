package main

import (
	"fmt"
	"log/slog"

	"enforcer/internal/classifier"
	"enforcer/internal/config"
	"enforcer/internal/deadlines"
	"enforcer/internal/delivery"
	"enforcer/internal/enforcement"
	"enforcer/internal/httpapi"
	"enforcer/internal/ledger"
	"enforcer/internal/metrics"
	"enforcer/internal/notifications"
	"enforcer/internal/pipeline"
	"enforcer/internal/precision"
	"enforcer/internal/sendqueue"
	"enforcer/internal/store"
	"enforcer/internal/targets"
)

// app holds every wired component for one process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	notifier  notifications.Service
	directory *targets.Directory
	ledger    *ledger.Ledger
	precision *precision.Engine
	queue     *sendqueue.Processor
	tracker   *deadlines.Tracker
	runner    *pipeline.Runner
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics.Register()

	st, err := store.Open(cfg, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	directory, err := targets.Load(cfg.Targets.DirectoryPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load target directory: %w", err)
	}

	router := delivery.NewRouter()
	if cfg.Email.Enabled() {
		email, err := delivery.NewEmailChannel(cfg.Email, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("configure email delivery: %w", err)
		}
		router.Register(enforcement.MethodDirectEmail, email)
	}

	notifier := notifications.NewService(cfg)
	queue := sendqueue.NewProcessor(st, router, cfg.Queue, logger,
		sendqueue.WithComposer(delivery.NewTemplateComposer(cfg.Email.FromName)),
		sendqueue.WithNotifier(notifier),
	)
	tracker := deadlines.NewTracker(st, cfg.Deadlines, logger,
		deadlines.WithResolver(directory),
		deadlines.WithEnqueuer(queue),
		deadlines.WithNotifier(notifier),
	)
	led := ledger.New(st, logger)
	engine := precision.NewEngine(st, cfg.Precision, logger)

	var cls pipeline.Classifier
	if cfg.Classifier.Enabled {
		cls = classifier.NewLLMClassifier(classifier.NewClient(cfg.Classifier))
	}
	runner := pipeline.NewRunner(st, led, cls, logger,
		pipeline.WithPrecision(engine),
		pipeline.WithRelister(tracker),
		pipeline.WithNotifier(notifier),
		pipeline.WithConcurrency(cfg.Queue.DispatchConcurrency),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		notifier:  notifier,
		directory: directory,
		ledger:    led,
		precision: engine,
		queue:     queue,
		tracker:   tracker,
		runner:    runner,
	}, nil
}

func (a *app) api() *httpapi.Server {
	return httpapi.New(a.cfg.Server, httpapi.Deps{
		Records:    a.store,
		Queue:      a.queue,
		Deadlines:  a.tracker,
		Scans:      a.runner,
		Statistics: a.ledger,
		Precision:  a.precision,
		Resolver:   a.directory,
	}, a.logger)
}

func (a *app) Close() {
	if a != nil && a.store != nil {
		_ = a.store.Close()
	}
}
