// Package session assembles the detection pipeline: one connection manager,
// one router, the command emitter, the posture aggregator and the alert
// dispatcher, plus the optional event sink and history reconciliation.
//
// A Service is constructed explicitly and owned by the caller. Nothing in
// this module keeps package-level connection state, so several services can
// run side by side in one process.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/c360/posturestream/aggregator"
	"github.com/c360/posturestream/alert"
	"github.com/c360/posturestream/command"
	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/eventsink"
	"github.com/c360/posturestream/health"
	"github.com/c360/posturestream/history"
	"github.com/c360/posturestream/identity"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/pkg/worker"
	"github.com/c360/posturestream/router"
	"github.com/c360/posturestream/transport"
	"github.com/c360/posturestream/wire"
)

// History is the part of the REST client the service uses.
type History interface {
	GetLatestSession(ctx context.Context) (*history.Session, error)
	GetSessionItem(ctx context.Context, id string) (*history.SessionItem, error)
}

var _ History = (*history.Client)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry exports core and component metrics.
func WithRegistry(r *metric.MetricsRegistry) Option {
	return func(s *Service) { s.registry = r }
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPlayer sets the audio collaborator. The default only logs.
func WithPlayer(p alert.Player) Option {
	return func(s *Service) { s.player = p }
}

// WithSink republishes every event and flagged posture.
func WithSink(sink *eventsink.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithHistory enables reconciliation against persisted session items.
func WithHistory(h History) Option {
	return func(s *Service) { s.history = h }
}

// Service is safe for concurrent use.
type Service struct {
	cfg      Config
	identity identity.Provider
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	now      func() time.Time
	player   alert.Player
	sink     *eventsink.Sink
	history  History

	router     *router.Router
	transport  *transport.Manager
	emitter    *command.Emitter
	aggregator *aggregator.Aggregator
	alerts     *alert.Dispatcher
	lookups    *worker.Pool[string]
	monitor    *health.Monitor

	scopeMu sync.Mutex
	scope   *router.Scope

	runMu   sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// New builds every component and wires them together. Call Start before
// Connect.
func New(cfg Config, provider identity.Provider, opts ...Option) (*Service, error) {
	if provider == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Service", "New", "identity provider check")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		identity: provider,
		logger:   slog.Default(),
		now:      time.Now,
		monitor:  health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = s.registry.CoreMetrics()
	if s.player == nil {
		s.player = alert.NewLogPlayer(s.logger)
	}

	decoder := wire.NewDecoder(time.UTC)
	decoder.Now = s.now
	s.router = router.New(
		router.WithLogger(s.logger),
		router.WithMetrics(s.metrics),
		router.WithDecoder(decoder),
	)
	s.scope = s.router.Scope()

	var err error
	s.transport, err = transport.New(cfg.Transport, s.router,
		transport.WithLogger(s.logger),
		transport.WithMetrics(s.metrics),
		transport.WithClock(s.now),
		transport.WithReleaseHook(s.releaseScope),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Service", "New", "transport")
	}

	s.emitter, err = command.New(s.transport, cfg.Command,
		command.WithLogger(s.logger),
		command.WithMetrics(s.metrics),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Service", "New", "command emitter")
	}

	s.aggregator, err = aggregator.New(cfg.Aggregator,
		aggregator.WithLogger(s.logger),
		aggregator.WithMetrics(s.metrics),
		aggregator.WithRegistry(s.registry),
		aggregator.WithClock(s.now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Service", "New", "aggregator")
	}

	s.alerts, err = alert.New(cfg.Alert, s.player,
		alert.WithLogger(s.logger),
		alert.WithMetrics(s.metrics),
		alert.WithRegistry(s.registry),
		alert.WithClock(s.now),
		alert.WithGoodFilter(s.aggregator.IsGood),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Service", "New", "alert dispatcher")
	}

	if s.history != nil {
		s.lookups, err = worker.NewPool[string](cfg.ItemLookupWorkers, 64, s.lookupItem,
			worker.WithMetricsRegistry[string](s.registry, "item_lookup"),
			worker.WithLogger[string](s.logger),
		)
		if err != nil {
			return nil, errors.Wrap(err, "Service", "New", "item lookup pool")
		}
	}

	s.connectComponents()
	s.logger = s.logger.With("component", "session")
	return s, nil
}

// connectComponents registers the process-lifetime subscriptions. Command
// observers run before Send returns, so a successful Start clears the buffer
// before the next frame is dispatched.
func (s *Service) connectComponents() {
	s.emitter.Observe(s.aggregator.CommandSent)

	for _, kind := range []wire.Kind{wire.KindDetectionFrame, wire.KindPostureUpdate, wire.KindSessionItemCompleted} {
		s.router.Subscribe(kind, s.aggregator.Handle)
	}
	s.router.Subscribe(wire.KindDetectionFrame, s.alerts.Handle)
	s.router.Subscribe(wire.KindPostureUpdate, s.alerts.Handle)
	s.router.Subscribe(wire.KindLifecycle, s.onLifecycle)
	s.router.Subscribe(wire.KindServerError, s.onServerError)

	if s.lookups != nil {
		s.router.Subscribe(wire.KindSessionItemCompleted, s.onItemCompleted)
	}

	if s.sink != nil {
		for _, kind := range wire.Kinds() {
			s.router.Subscribe(kind, s.sink.Handle)
		}
		s.aggregator.OnFlagged(func(fp aggregator.FlaggedPosture) {
			if err := s.sink.PublishFlagged(fp); err != nil {
				s.logger.Debug("Flagged posture not exported", "id", fp.ID, "error", err)
			}
		})
	}

	s.monitor.Register("transport", s.transport)
	s.monitor.Register("aggregator", health.CheckerFunc(func() health.Status {
		return health.NewHealthy("aggregator", fmt.Sprintf("%d flagged postures buffered", s.aggregator.Len()))
	}))
	s.monitor.Update("auth", health.NewHealthy("auth", "no rejection seen"))
}

// Start launches the playback workers and the reconciliation loop.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Service", "Start", "state check")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.alerts.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Service", "Start", "alert dispatcher")
	}
	if s.lookups != nil {
		if err := s.lookups.Start(runCtx); err != nil {
			cancel()
			return errors.Wrap(err, "Service", "Start", "item lookup pool")
		}
	}
	if s.history != nil && s.cfg.ReconcileInterval > 0 {
		s.loops.Add(1)
		go s.reconcileLoop(runCtx)
	}

	s.cancel = cancel
	s.started = true
	s.logger.Info("Session service started",
		"endpoint", s.transport.Info().Endpoint,
		"protocol", s.emitter.Protocol(),
		"history", s.history != nil,
		"sink", s.sink != nil)
	return nil
}

// Stop disconnects and waits up to timeout for background work. It is
// idempotent.
func (s *Service) Stop(timeout time.Duration) error {
	s.runMu.Lock()
	if !s.started || s.stopped {
		s.runMu.Unlock()
		s.transport.Disconnect()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.runMu.Unlock()

	s.transport.Disconnect()
	cancel()
	s.loops.Wait()

	var errs []error
	if err := s.alerts.Stop(timeout); err != nil {
		errs = append(errs, errors.Wrap(err, "Service", "Stop", "alert dispatcher"))
	}
	if s.lookups != nil {
		if err := s.lookups.Stop(timeout); err != nil {
			errs = append(errs, errors.Wrap(err, "Service", "Stop", "item lookup pool"))
		}
	}
	s.logger.Info("Session service stopped")
	return errors.Join(errs...)
}

// Connect opens the connection with the provider's current identity. It is a
// no-op while a connection is open or opening.
func (s *Service) Connect(ctx context.Context) error {
	id, _ := s.identity.Identity()
	return s.transport.Connect(ctx, id)
}

// ConnectWithRetry is Connect with the configured reconnect backoff.
func (s *Service) ConnectWithRetry(ctx context.Context) error {
	id, _ := s.identity.Identity()
	return s.transport.ConnectWithRetry(ctx, id)
}

// Disconnect closes the connection, cancels a pending connect and releases
// every connection-scoped subscription. It never fails and may be repeated.
func (s *Service) Disconnect() {
	s.transport.Disconnect()
}

// Send writes cmd. It returns errors.ErrNotConnected when the connection is
// not open.
func (s *Service) Send(ctx context.Context, cmd wire.Command) error {
	return s.emitter.Send(ctx, cmd)
}

// StartDetection sends Start for the configured camera.
func (s *Service) StartDetection(ctx context.Context) error {
	return s.emitter.Start(ctx)
}

// StopDetection sends Stop.
func (s *Service) StopDetection(ctx context.Context) error {
	return s.emitter.Stop(ctx)
}

// ResetStats asks the backend to clear its statistics.
func (s *Service) ResetStats(ctx context.Context) error {
	return s.emitter.ResetStats(ctx)
}

// Subscribe registers handler for the current connection. The subscription
// is released by the next Disconnect; one made while idle belongs to the
// next connection.
func (s *Service) Subscribe(kind wire.Kind, handler router.Handler) router.Subscription {
	s.scopeMu.Lock()
	defer s.scopeMu.Unlock()
	return s.scope.Subscribe(kind, handler)
}

// SubscribePersistent registers handler for the life of the service.
func (s *Service) SubscribePersistent(kind wire.Kind, handler router.Handler) router.Subscription {
	return s.router.Subscribe(kind, handler)
}

// Unsubscribe removes subscriptions of kind, or every handler of kind when
// none are given.
func (s *Service) Unsubscribe(kind wire.Kind, subs ...router.Subscription) {
	s.router.Unsubscribe(kind, subs...)
}

// OnFlagged registers fn for every newly buffered occurrence.
func (s *Service) OnFlagged(fn func(aggregator.FlaggedPosture)) {
	s.aggregator.OnFlagged(fn)
}

// CurrentBuffer returns a copy of the flagged postures, oldest first.
func (s *Service) CurrentBuffer() []aggregator.FlaggedPosture {
	return s.aggregator.CurrentBuffer()
}

// ClearBuffer empties the flagged posture buffer.
func (s *Service) ClearBuffer() {
	s.aggregator.Reset()
}

// State returns the connection state.
func (s *Service) State() transport.State {
	return s.transport.State()
}

// Info returns a snapshot of the connection.
func (s *Service) Info() transport.ConnectionInfo {
	return s.transport.Info()
}

// Health aggregates component health.
func (s *Service) Health() health.Status {
	return s.monitor.AggregateHealth("session")
}

// Alerts exposes the dispatcher, for cue preloading.
func (s *Service) Alerts() *alert.Dispatcher {
	return s.alerts
}

// ReconcileNow links buffered occurrences to the items of the latest
// persisted session and returns how many were linked.
func (s *Service) ReconcileNow(ctx context.Context) (int, error) {
	if s.history == nil || s.aggregator.Len() == 0 {
		return 0, nil
	}
	latest, err := s.history.GetLatestSession(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "Service", "ReconcileNow", "fetch latest session")
	}
	if latest == nil {
		return 0, nil
	}
	return s.aggregator.Reconcile(persistedItems(latest.Items)), nil
}

func (s *Service) releaseScope() {
	s.scopeMu.Lock()
	old := s.scope
	s.scope = s.router.Scope()
	s.scopeMu.Unlock()

	n := old.Len()
	old.Release()
	if n > 0 {
		s.logger.Debug("Released connection subscriptions", "count", n)
	}
}

func (s *Service) reconcileLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			linked, err := s.ReconcileNow(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				s.logger.Warn("Reconciliation failed", "error", err)
			case linked > 0:
				s.logger.Info("Reconciled flagged postures", "linked", linked)
			}
		}
	}
}

func (s *Service) onItemCompleted(ev wire.Event) error {
	e, ok := ev.(wire.SessionItemCompleted)
	if !ok || e.ItemID == "" {
		return nil
	}
	if err := s.lookups.Submit(e.ItemID); err != nil {
		s.logger.Debug("Item lookup skipped", "item", e.ItemID, "error", err)
	}
	return nil
}

func (s *Service) lookupItem(ctx context.Context, id string) error {
	item, err := s.history.GetSessionItem(ctx, id)
	if err != nil {
		return errors.Wrap(err, "Service", "lookupItem", "fetch "+id)
	}
	s.aggregator.Reconcile(persistedItems([]history.SessionItem{*item}))
	return nil
}

func (s *Service) onLifecycle(ev wire.Event) error {
	e, ok := ev.(wire.ConnectionLifecycle)
	if !ok {
		return nil
	}
	switch e.Status {
	case wire.StatusConnected:
		s.monitor.Update("auth", health.NewHealthy("auth", "token accepted"))
		s.logger.Info("Connected", "connection", e.ConnectionID)
	case wire.StatusAuthExpired:
		s.monitor.Update("auth", health.NewUnhealthy("auth", "token rejected by backend"))
		s.logger.Warn("Authentication expired", "connection", e.ConnectionID)
	case wire.StatusDisconnected:
		if e.Expected {
			s.logger.Info("Disconnected", "connection", e.ConnectionID)
		} else {
			s.logger.Warn("Connection lost", "connection", e.ConnectionID, "error", e.Err)
		}
	case wire.StatusError:
		s.logger.Warn("Connection error", "error", e.Err)
	}
	return nil
}

func (s *Service) onServerError(ev wire.Event) error {
	if e, ok := ev.(wire.ServerError); ok {
		s.logger.Warn("Backend reported an error", "message", e.Message)
	}
	return nil
}

func persistedItems(items []history.SessionItem) []aggregator.PersistedItem {
	return lo.Map(items, func(it history.SessionItem, _ int) aggregator.PersistedItem {
		start, end := it.Span()
		return aggregator.PersistedItem{ID: it.ID, Label: it.LabelID, StartTime: start, EndTime: end}
	})
}
