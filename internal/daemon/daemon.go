package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"roadwatch/internal/bridge"
	"roadwatch/internal/config"
	"roadwatch/internal/coordinator"
	"roadwatch/internal/incident"
	"roadwatch/internal/logging"
	"roadwatch/internal/media"
	"roadwatch/internal/notify"
	"roadwatch/internal/services/inference"
	"roadwatch/internal/services/reportgen"
	"roadwatch/internal/session"
)

// Daemon owns the broker's long-running services and enforces
// single-instance execution through a lock file.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *session.Store
	publisher *incident.Publisher
	media     *media.Store
	manager   *coordinator.Manager
	notifier  notify.Service
	sweeper   *session.Sweeper
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Status represents daemon runtime information.
type Status struct {
	Running         bool
	PID             int
	DatabasePath    string
	LockFilePath    string
	ActiveSessions  int
	SessionCounts   map[string]int
	LastIncidentSeq uint64
	Notifications   bool
	Reports         bool
}

// New constructs a daemon and all of its services from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("prepare directories: %w", err)
	}

	store, err := session.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	log, err := incident.NewLog(context.Background(), store.DB())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open incident log: %w", err)
	}

	notifier := notify.NewService(cfg)
	publisher, err := incident.NewPublisher(context.Background(), log, logger, cfg.Incidents.SubscriberQueue)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("start incident publisher: %w", err)
	}

	mediaStore, err := media.NewStore(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("prepare media store: %w", err)
	}

	analysis, err := inference.New(cfg.Inference)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("configure inference client: %w", err)
	}

	reporter, err := reportgen.New(cfg.Reports)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("configure report client: %w", err)
	}

	br := bridge.New(store, analysis, logger)
	var reporterIface coordinator.Reporter
	if reporter != nil {
		reporterIface = reporter
	}
	manager := coordinator.NewManager(cfg, store, br, analysis, publisher, reporterIface, notifier, logger)

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		publisher: publisher,
		media:     mediaStore,
		manager:   manager,
		notifier:  notifier,
		lockPath:  filepath.Join(cfg.Paths.LogDir, "roadwatchd.lock"),
	}
	d.lock = flock.New(d.lockPath)

	d.sweeper = session.NewSweeper(
		store,
		logger,
		time.Duration(cfg.Sessions.GCIntervalSeconds)*time.Second,
		time.Duration(cfg.Sessions.StaleTimeoutMinutes)*time.Minute,
		time.Duration(cfg.Sessions.RetentionHours)*time.Hour,
		d.onStaleSession,
	)

	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the instance lock and launches the API server and the
// session sweeper.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another roadwatch daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	d.cancel = cancel
	d.group = group

	if d.api != nil {
		if err := d.api.start(groupCtx); err != nil {
			cancel()
			_ = d.lock.Unlock()
			d.cancel = nil
			d.group = nil
			return err
		}
	}
	group.Go(func() error {
		return d.sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		return d.forwardAlerts(groupCtx)
	})

	d.running.Store(true)
	d.logger.Info("roadwatch daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop halts background services, fails any active sessions with a shutdown
// reason, and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.api != nil {
		d.api.stop()
	}
	if d.group != nil {
		if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("background service error", logging.Error(err))
		}
		d.group = nil
	}
	d.manager.Close(context.Background())
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("roadwatch daemon stopped")
}

// Close stops the daemon and releases its storage resources.
func (d *Daemon) Close() error {
	d.Stop()
	d.publisher.Close()
	return d.store.Close()
}

// Running reports whether the daemon's services are active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// APIAddr returns the bound API address, or empty when the API is disabled
// or not yet started.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	counts := map[string]int{}
	if stats, err := d.store.Stats(ctx); err == nil {
		for status, count := range stats {
			counts[string(status)] = count
		}
	}
	return Status{
		Running:         d.running.Load(),
		PID:             os.Getpid(),
		DatabasePath:    d.store.Path(),
		LockFilePath:    d.lockPath,
		ActiveSessions:  d.manager.ActiveCount(),
		SessionCounts:   counts,
		LastIncidentSeq: d.publisher.LastSequence(),
		Notifications:   d.cfg.Notifications.NtfyTopic != "",
		Reports:         d.cfg.Reports.Enabled,
	}
}

// forwardAlerts subscribes to the incident feed and pushes accident and fire
// incidents out as ntfy notifications. If the subscription is dropped for
// falling behind, it reconnects from its high-water mark so a burst is
// alerted late rather than not at all.
func (d *Daemon) forwardAlerts(ctx context.Context) error {
	resume := d.publisher.LastSequence()
	for {
		sub, err := d.publisher.Subscribe(ctx, "", resume)
		if err != nil {
			return fmt.Errorf("subscribe for alerts: %w", err)
		}

	drain:
		for {
			select {
			case <-ctx.Done():
				d.publisher.Unsubscribe(sub)
				return nil
			case inc, ok := <-sub.C:
				if !ok {
					break drain
				}
				if inc.Seq > resume {
					resume = inc.Seq
				}
				switch inc.Type {
				case "accident", "fire":
				default:
					continue
				}
				if err := d.notifier.NotifyIncident(ctx, &inc); err != nil {
					d.logger.Warn("incident notification failed",
						logging.String(logging.FieldTaskID, inc.TaskID), logging.Error(err))
				}
			}
		}

		// Channel closed: either the publisher shut down with the daemon, or
		// this subscriber was dropped for not keeping up.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (d *Daemon) onStaleSession(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.notifier.NotifySessionFailed(ctx, taskID, session.StaleReason); err != nil {
		d.logger.Warn("stale session notification failed",
			logging.String(logging.FieldTaskID, taskID), logging.Error(err))
	}
}
