package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"roadwatch/internal/bridge"
	"roadwatch/internal/config"
	"roadwatch/internal/incident"
	"roadwatch/internal/logging"
	"roadwatch/internal/notify"
	"roadwatch/internal/services"
	"roadwatch/internal/services/inference"
	"roadwatch/internal/session"
)

// ErrAlreadyRunning indicates a session that already has an active coordinator.
var ErrAlreadyRunning = errors.New("session is already being coordinated")

// ErrNotRunning indicates a stop request for a session with no active coordinator.
var ErrNotRunning = errors.New("session is not being coordinated")

// AnalysisClient is the inference surface the coordinator needs; satisfied by
// *inference.Client.
type AnalysisClient interface {
	ExchangeOffer(ctx context.Context, jobID string, offer json.RawMessage) (json.RawMessage, error)
	PollStatus(ctx context.Context, jobID string) (*inference.JobStatus, error)
}

// Reporter generates written reports from incident histories; satisfied by
// *reportgen.Client. A nil Reporter disables report generation.
type Reporter interface {
	GenerateSessionReport(ctx context.Context, taskID string, incidents []incident.Incident) (string, error)
}

type run struct {
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// requestStop asks the poll loop not to schedule another iteration. The
// in-flight upstream call, if any, runs to its own per-call timeout.
func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Manager owns the per-session coordination goroutines.
type Manager struct {
	store     *session.Store
	bridge    *bridge.Bridge
	client    AnalysisClient
	publisher *incident.Publisher
	reporter  Reporter
	notifier  notify.Service
	logger    *slog.Logger

	pollInterval time.Duration
	retryLimit   int

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithPollInterval overrides the configured polling cadence (used in tests).
func WithPollInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
		}
	}
}

// WithRetryLimit overrides the configured poll retry budget.
func WithRetryLimit(limit int) ManagerOption {
	return func(m *Manager) {
		if limit > 0 {
			m.retryLimit = limit
		}
	}
}

// NewManager constructs a coordinator manager. reporter may be nil.
func NewManager(
	cfg *config.Config,
	store *session.Store,
	br *bridge.Bridge,
	client AnalysisClient,
	publisher *incident.Publisher,
	reporter Reporter,
	notifier notify.Service,
	logger *slog.Logger,
	opts ...ManagerOption,
) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	pollInterval := time.Duration(cfg.Inference.PollInterval) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	retryLimit := cfg.Inference.PollRetryLimit
	if retryLimit <= 0 {
		retryLimit = 5
	}
	m := &Manager{
		store:        store,
		bridge:       br,
		client:       client,
		publisher:    publisher,
		reporter:     reporter,
		notifier:     notifier,
		logger:       logger.With(logging.String(logging.FieldComponent, "coordinator")),
		pollInterval: pollInterval,
		retryLimit:   retryLimit,
		runs:         make(map[string]*run),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartBatch prepares an inference job for a batch session and begins the
// poll loop. The upstream job id stays inside the run; only the coordinator
// needs it.
func (m *Manager) StartBatch(ctx context.Context, taskID string) error {
	if m.Running(taskID) {
		return ErrAlreadyRunning
	}
	jobID, err := m.bridge.PrepareBatch(ctx, taskID)
	if err != nil {
		return err
	}
	return m.launch(taskID, jobID)
}

// StartRealtime performs the realtime handshake for a session: job
// preparation, offer/answer exchange, then the poll loop. A handshake failure
// fails the session visibly and surfaces the error to the caller.
func (m *Manager) StartRealtime(ctx context.Context, taskID string, offer json.RawMessage) (json.RawMessage, error) {
	jobID, err := m.bridge.BeginRealtime(ctx, taskID)
	if err != nil {
		return nil, err
	}

	answer, err := m.client.ExchangeOffer(ctx, jobID, offer)
	if err != nil {
		reason := fmt.Sprintf("handshake failed: %v", err)
		if failErr := m.store.MarkFailed(ctx, taskID, reason); failErr != nil {
			m.logger.Warn("could not record handshake failure",
				logging.String(logging.FieldTaskID, taskID), logging.Error(failErr))
		}
		if m.notifier != nil {
			_ = m.notifier.NotifySessionFailed(ctx, taskID, reason)
		}
		return nil, err
	}

	if err := m.launch(taskID, jobID); err != nil {
		return nil, err
	}
	return answer, nil
}

func (m *Manager) launch(taskID, jobID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("coordinator is shut down")
	}
	if _, exists := m.runs[taskID]; exists {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(services.WithTaskID(context.Background(), taskID))
	r := &run{cancel: cancel, stop: make(chan struct{}), done: make(chan struct{})}
	m.runs[taskID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer m.forget(taskID)
		defer cancel()
		m.pollLoop(runCtx, r.stop, taskID, jobID)
	}()

	m.logger.Info("session coordination started",
		logging.String(logging.FieldTaskID, taskID),
		logging.String(logging.FieldJobID, jobID))
	return nil
}

func (m *Manager) forget(taskID string) {
	m.mu.Lock()
	delete(m.runs, taskID)
	m.mu.Unlock()
}

// Stop winds down a session's coordinator and marks the session failed with
// a stop reason. The wind-down is cooperative: an in-flight poll call runs to
// completion or its per-call timeout, and the loop simply does not schedule
// the next iteration. Incidents already published remain in the log.
func (m *Manager) Stop(ctx context.Context, taskID string) error {
	m.mu.Lock()
	r, ok := m.runs[taskID]
	m.mu.Unlock()

	if ok {
		r.requestStop()
		<-r.done
	}

	err := m.store.MarkFailed(ctx, taskID, "stopped by request")
	if errors.Is(err, session.ErrNotFound) {
		return err
	}
	if err != nil {
		return err
	}
	if !ok {
		// The session may have been terminal already; report that honestly.
		sess, getErr := m.store.GetByTask(ctx, taskID)
		if getErr == nil && !sess.Status.IsTerminal() {
			return ErrNotRunning
		}
	}
	m.logger.Info("session stopped", logging.String(logging.FieldTaskID, taskID))
	return nil
}

// Running reports whether a session currently has an active coordinator.
func (m *Manager) Running(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[taskID]
	return ok
}

// ActiveCount reports how many sessions are being coordinated.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Close cancels every active coordinator, waits for them to finish, and
// fails their sessions with a shutdown reason.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := make([]string, 0, len(m.runs))
	for taskID, r := range m.runs {
		active = append(active, taskID)
		r.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()

	for _, taskID := range active {
		if err := m.store.MarkFailed(ctx, taskID, session.ShutdownReason); err != nil && !errors.Is(err, session.ErrNotFound) {
			m.logger.Warn("could not fail session on shutdown",
				logging.String(logging.FieldTaskID, taskID), logging.Error(err))
		}
	}
}
