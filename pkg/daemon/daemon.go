// Package daemon is the composition root. It constructs every docflow
// component from configuration, wires them together and owns startup and
// shutdown ordering. Nothing here contains domain logic: the daemon only
// decides what talks to what and in which order things come up and down.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/api"
	"github.com/cuemby/docflow/pkg/auth"
	"github.com/cuemby/docflow/pkg/bus"
	"github.com/cuemby/docflow/pkg/config"
	"github.com/cuemby/docflow/pkg/dispatch"
	"github.com/cuemby/docflow/pkg/engine"
	"github.com/cuemby/docflow/pkg/eventstore"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/logsink"
	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/nodehost"
	"github.com/cuemby/docflow/pkg/reconciler"
	"github.com/cuemby/docflow/pkg/supervisor"
	"github.com/cuemby/docflow/pkg/trigger"
	"github.com/cuemby/docflow/pkg/vectorindex"
	"github.com/cuemby/docflow/pkg/watcher"
	"github.com/cuemby/docflow/pkg/workflow"
)

// ErrDataDirLost reports that the data directory disappeared while the
// daemon was running. Stores cannot recover from losing their backing
// files, so this shuts the process down with a distinct exit code.
var ErrDataDirLost = errors.New("data directory lost")

const (
	dataDirCheckInterval = 10 * time.Second
	engineStopTimeout    = 30 * time.Second
)

// Daemon owns every component of a running docflow instance.
type Daemon struct {
	cfg *config.Config

	broker     *bus.Broker
	logStore   *logsink.Store
	sink       *logsink.Sink
	maint      *logsink.Maintenance
	events     *eventstore.Store
	keys       *auth.Store
	index      vectorindex.Index
	registry   *workflow.Registry
	host       *nodehost.Host
	router     *trigger.Router
	engine     *engine.Engine
	watcher    *watcher.Watcher
	recon      *reconciler.Reconciler
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector
	server     *api.Server

	// checkEvery is how often the data directory watchdog fires.
	checkEvery time.Duration
	logger     zerolog.Logger
}

// New builds the full component graph from cfg. The log sink comes up
// first so the process logger can be re-initialized with the mirror
// before any other component captures its child logger.
func New(cfg *config.Config) (*Daemon, error) {
	for _, dir := range []string{cfg.Server.DataDir, cfg.RunsDir(), cfg.ArchiveDir(), cfg.WorkflowsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	logStore, err := logsink.Open(cfg.LogsDBPath(), cfg.ArchiveDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open log store: %w", err)
	}
	sink := logsink.New(logStore, logsink.Config{
		BatchSize:     cfg.Logs.BatchSize,
		FlushInterval: cfg.Logs.FlushInterval(),
		RingMax:       cfg.Logs.RingMax,
	})

	// Same settings the CLI initialized with, plus the mirror. The sink
	// itself captured its logger above the mirror, so its own output
	// never feeds back into it.
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
		Mirror:     logsink.NewMirrorWriter(sink),
	})
	logger := log.WithComponent("daemon")

	events, err := eventstore.Open(cfg.EventsDBPath(), eventstore.Config{
		Debounce:    cfg.Watch.Debounce(),
		MaxAttempts: cfg.Events.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	keys := auth.NewStore(cfg.KeysFile(), cfg.Auth.RateLimitRPS, cfg.Auth.RateLimitBurst)
	if err := keys.Load(); err != nil {
		return nil, fmt.Errorf("failed to load API keys: %w", err)
	}

	index := vectorindex.New(cfg.Vector.IndexURL, cfg.Vector.Collection)

	registry := workflow.NewRegistry()
	loaded, refused, err := registry.LoadDir(cfg.WorkflowsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}
	logger.Info().Int("loaded", loaded).Int("refused", refused).
		Str("dir", cfg.WorkflowsDir()).Msg("Workflows loaded")

	host := nodehost.New()
	if err := nodehost.RegisterBuiltins(host, events, index); err != nil {
		return nil, fmt.Errorf("failed to register builtin processors: %w", err)
	}

	router := trigger.NewRouter()
	router.Rebuild(registry.List())

	broker := bus.NewBroker()

	eng, err := engine.New(engine.Config{
		RunsDir:          cfg.RunsDir(),
		MaxParallelNodes: cfg.Workflow.MaxParallelNodes,
		CancelGrace:      cfg.Workflow.CancelGrace(),
	}, registry, host, broker)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	w, err := watcher.New(watcher.Config{
		Roots:        cfg.Watch.Roots,
		IncludeExt:   cfg.Watch.IncludeExt,
		Exclude:      cfg.Watch.Exclude,
		IgnoreHidden: cfg.Watch.IgnoreHidden,
		MaxFileBytes: cfg.Watch.MaxFileBytes(),
	}, events, broker)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	recon := reconciler.New(reconciler.Config{
		Roots:         cfg.Watch.Roots,
		Interval:      cfg.Reconcile.Interval(),
		DailyTime:     cfg.Reconcile.DailyTime,
		HighWatermark: cfg.Events.HighWatermark,
		IncludeExt:    cfg.Watch.IncludeExt,
		Exclude:       cfg.Watch.Exclude,
		IgnoreHidden:  cfg.Watch.IgnoreHidden,
		MaxFileBytes:  cfg.Watch.MaxFileBytes(),
	}, events, index, broker)

	disp := dispatch.New(dispatch.Config{
		ClaimTTL: cfg.Events.ClaimTTL(),
	}, events, router, eng, index, broker)

	maint := logsink.NewMaintenance(logStore, cfg.ArchiveDir(), cfg.Logs)

	server := api.New(api.Config{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
	}, api.Deps{
		Sink:      sink,
		Keys:      keys,
		Events:    events,
		Workflows: registry,
		Engine:    eng,
		Broker:    broker,
	})

	return &Daemon{
		cfg:        cfg,
		broker:     broker,
		logStore:   logStore,
		sink:       sink,
		maint:      maint,
		events:     events,
		keys:       keys,
		index:      index,
		registry:   registry,
		host:       host,
		router:     router,
		engine:     eng,
		watcher:    w,
		recon:      recon,
		dispatcher: disp,
		collector:  metrics.NewCollector(events, eng),
		server:     server,
		checkEvery: dataDirCheckInterval,
		logger:     logger,
	}, nil
}

// Addr returns the HTTP listen address once Run has bound it.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// Run brings every component up, blocks until ctx is cancelled or the
// data directory is lost, then tears everything down in reverse order.
// The HTTP port is bound first so a taken port fails startup instead of
// surfacing later from inside the supervisor.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.server.Listen(); err != nil {
		return err
	}

	d.broker.Start()

	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	if err := d.recon.Start(); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	if err := d.maint.Start(); err != nil {
		return fmt.Errorf("failed to start log maintenance: %w", err)
	}
	d.collector.Start()

	metrics.RegisterComponent("eventstore", true, "open")
	metrics.RegisterComponent("logsink", true, "open")

	super := supervisor.New(supervisor.Config{})
	super.Register("dispatcher", d.dispatcher.Run)
	super.Register("log-flusher", d.sink.RunFlusher)
	super.Register("key-reloader", d.keys.RunReloader)
	super.Register("api", d.server.Run)
	super.Start(ctx)

	d.logger.Info().
		Str("addr", d.server.Addr()).
		Str("data_dir", d.cfg.Server.DataDir).
		Strs("watch_roots", d.cfg.Watch.Roots).
		Msg("docflow daemon started")

	err := d.wait(ctx)

	// Producers stop first so nothing new enters the queue, then the
	// supervisor tasks drain (the flusher does its final flush there),
	// then the engine checkpoints whatever is still running.
	d.logger.Info().Msg("Shutting down")
	d.watcher.Stop()
	d.recon.Stop()
	super.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), engineStopTimeout)
	defer cancel()
	if serr := d.engine.Stop(stopCtx); serr != nil {
		d.logger.Warn().Err(serr).Msg("Engine stop incomplete, interrupted runs resume on next start")
	}
	if ferr := d.sink.Flush(); ferr != nil {
		d.logger.Error().Err(ferr).Msg("Final log flush failed")
	}

	d.maint.Stop()
	d.collector.Stop()
	d.broker.Stop()

	if cerr := d.events.Close(); cerr != nil {
		d.logger.Error().Err(cerr).Msg("Failed to close event store")
	}
	if cerr := d.logStore.Close(); cerr != nil {
		d.logger.Error().Err(cerr).Msg("Failed to close log store")
	}

	d.logger.Info().Msg("docflow daemon stopped")
	return err
}

// wait blocks until shutdown is requested or the watchdog trips. Losing
// the data directory under an embedded store corrupts silently, so the
// daemon prefers a hard stop the operator will notice.
func (d *Daemon) wait(ctx context.Context) error {
	ticker := time.NewTicker(d.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := os.Stat(d.cfg.Server.DataDir); err != nil {
				d.logger.Error().Err(err).Str("dir", d.cfg.Server.DataDir).
					Msg("Data directory lost")
				return ErrDataDirLost
			}
		}
	}
}
