package election

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"clusterkeeper/pkg/coordination"
	"clusterkeeper/pkg/metrics"
	tracing "clusterkeeper/pkg/observability"
)

var (
	// ErrNotVolunteered is returned by Reelect before a successful Volunteer.
	ErrNotVolunteered = errors.New("not volunteered for leadership")
	// ErrAlreadyVolunteered is returned by a second Volunteer.
	ErrAlreadyVolunteered = errors.New("already volunteered for leadership")
	// ErrCandidateLost means our candidate node disappeared, normally because the
	// session expired. The process must volunteer again.
	ErrCandidateLost = errors.New("candidate node is gone")
	// ErrTooManyAttempts means predecessors kept vanishing for MaxAttempts passes.
	ErrTooManyAttempts = errors.New("reelection did not settle")
)

// State is the role of this process in the election.
type State int

const (
	Unregistered State = iota
	Candidate
	Leader
	Follower
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

// Callbacks are invoked synchronously at the end of each reelection pass. They
// must not call back into the elector's Reelect.
type Callbacks interface {
	OnElected()
	OnFollower()
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are skipped.
type CallbackFuncs struct {
	Elected  func()
	Follower func()
}

func (f CallbackFuncs) OnElected() {
	if f.Elected != nil {
		f.Elected()
	}
}

func (f CallbackFuncs) OnFollower() {
	if f.Follower != nil {
		f.Follower()
	}
}

// Config holds election settings.
type Config struct {
	// Namespace is the parent node of all candidates.
	Namespace string
	// CandidatePrefix names candidate nodes; the store appends the sequence.
	CandidatePrefix string
	// MaxAttempts bounds the list/watch retries of a single reelection pass.
	MaxAttempts int
}

// DefaultConfig returns the conventional layout.
func DefaultConfig() Config {
	return Config{
		Namespace:       "/election",
		CandidatePrefix: "c_",
		MaxAttempts:     32,
	}
}

// LeaderElector elects a single leader among the processes volunteering under
// one namespace. The candidate with the smallest sequence number leads; every
// other candidate watches its immediate predecessor and re-runs the election
// when that node goes away, so a leader failure wakes exactly one follower.
type LeaderElector struct {
	client    coordination.Client
	cfg       Config
	callbacks Callbacks
	logger    *zap.Logger
	events    *coordination.Dispatcher
	errs      chan error

	// passMu serializes Volunteer, Resign and reelection passes from callers and
	// from the watch loop.
	passMu sync.Mutex

	mu        sync.RWMutex
	state     State
	candidate string
	leader    string
	watching  string
}

// New creates an elector. Call Volunteer, then Reelect, then Run.
func New(client coordination.Client, cfg Config, callbacks Callbacks, logger *zap.Logger) *LeaderElector {
	defaults := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = defaults.Namespace
	}
	if cfg.CandidatePrefix == "" {
		cfg.CandidatePrefix = defaults.CandidatePrefix
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if callbacks == nil {
		callbacks = CallbackFuncs{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("election").With(zap.String("namespace", cfg.Namespace))
	return &LeaderElector{
		client:    client,
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		events:    coordination.NewDispatcher("election", 16, logger),
		errs:      make(chan error, 16),
	}
}

// EnsureNamespace creates the election namespace if it is missing.
func (e *LeaderElector) EnsureNamespace(ctx context.Context) error {
	return coordination.EnsurePath(ctx, e.client, e.cfg.Namespace)
}

// Volunteer creates this process's candidate node and returns its name. Store
// failures, including session expiry, are returned as is: without a candidate
// node the process cannot take part in the election. Concurrent calls create
// at most one candidate.
func (e *LeaderElector) Volunteer(ctx context.Context) (string, error) {
	ctx, span := tracing.Start(ctx, "election", "volunteer")
	defer span.End()

	e.passMu.Lock()
	defer e.passMu.Unlock()

	if e.Candidate() != "" {
		return "", ErrAlreadyVolunteered
	}

	path, err := e.client.Create(ctx, coordination.Join(e.cfg.Namespace, e.cfg.CandidatePrefix), nil, coordination.EphemeralSequential)
	if err != nil {
		err = fmt.Errorf("volunteering under %s: %w", e.cfg.Namespace, err)
		tracing.SetError(ctx, err)
		return "", err
	}

	name := coordination.Base(path)
	e.mu.Lock()
	e.candidate = name
	e.state = Candidate
	e.mu.Unlock()

	span.SetAttributes(attribute.String("election.candidate", name))
	e.logger.Info("volunteered for leadership", zap.String("candidate", name))
	return name, nil
}

// Reelect determines the leader of the current view. If this process holds the
// smallest candidate it becomes leader and OnElected runs; otherwise it arms a
// watch on its immediate predecessor and OnFollower runs. A predecessor that
// vanishes before the watch is armed restarts the pass from the listing.
func (e *LeaderElector) Reelect(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "election", "reelect")
	defer span.End()

	e.passMu.Lock()
	defer e.passMu.Unlock()

	err := e.reelect(ctx)
	tracing.SetError(ctx, err)
	return err
}

func (e *LeaderElector) reelect(ctx context.Context) error {
	start := time.Now()
	candidate := e.Candidate()
	if candidate == "" {
		return ErrNotVolunteered
	}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		children, err := e.client.Children(ctx, e.cfg.Namespace)
		if err != nil {
			return fmt.Errorf("listing candidates under %s: %w", e.cfg.Namespace, err)
		}
		view := e.candidates(children)

		pos := indexOf(view, candidate)
		if pos < 0 {
			e.reset()
			return fmt.Errorf("%w: %s", ErrCandidateLost, candidate)
		}

		if pos == 0 {
			e.mu.Lock()
			e.state = Leader
			e.leader = candidate
			e.watching = ""
			e.mu.Unlock()

			metrics.RecordElection(true, time.Since(start).Seconds())
			tracing.AddEvent(ctx, "elected", attribute.Int("election.attempt", attempt))
			e.logger.Info("elected leader", zap.String("candidate", candidate), zap.Int("candidates", len(view)))
			e.callbacks.OnElected()
			return nil
		}

		predecessor := view[pos-1]
		stat, watch, err := e.client.ExistsW(ctx, coordination.Join(e.cfg.Namespace, predecessor))
		if err != nil {
			return fmt.Errorf("watching predecessor %s: %w", predecessor, err)
		}
		if stat == nil {
			// The watch now waits for a creation that never comes: sequential
			// names are not reused. Drop it and look again.
			coordination.CancelWatch(e.client, watch)
			metrics.PredecessorRaces.Inc()
			e.logger.Debug("predecessor vanished before watch, retrying",
				zap.String("predecessor", predecessor),
				zap.Int("attempt", attempt),
			)
			continue
		}

		e.mu.Lock()
		e.state = Follower
		e.leader = view[0]
		e.watching = predecessor
		e.mu.Unlock()
		e.events.Forward(watch)

		metrics.RecordElection(false, time.Since(start).Seconds())
		tracing.AddEvent(ctx, "following",
			attribute.String("election.leader", view[0]),
			attribute.String("election.predecessor", predecessor),
			attribute.Int("election.attempt", attempt),
		)
		e.logger.Info("following leader",
			zap.String("candidate", candidate),
			zap.String("leader", view[0]),
			zap.String("predecessor", predecessor),
		)
		e.callbacks.OnFollower()
		return nil
	}

	return fmt.Errorf("%w after %d attempts", ErrTooManyAttempts, e.cfg.MaxAttempts)
}

// candidates keeps the names that look like candidate nodes, in election order.
func (e *LeaderElector) candidates(children []string) []string {
	view := make([]string, 0, len(children))
	for _, name := range children {
		if strings.HasPrefix(name, e.cfg.CandidatePrefix) {
			view = append(view, name)
		}
	}
	coordination.SortBySequence(view)
	return view
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func (e *LeaderElector) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Leader {
		metrics.IsLeader.Set(0)
	}
	e.state = Unregistered
	e.candidate = ""
	e.leader = ""
	e.watching = ""
}

// Run handles predecessor notifications until ctx is done. Errors from the
// resulting reelections are logged and published on Errors.
func (e *LeaderElector) Run(ctx context.Context) {
	e.events.Run(ctx, e.handle)
}

func (e *LeaderElector) handle(ctx context.Context, ev coordination.Event) {
	e.mu.RLock()
	watched := ""
	if e.watching != "" {
		watched = coordination.Join(e.cfg.Namespace, e.watching)
	}
	e.mu.RUnlock()

	if ev.Path != watched {
		e.logger.Debug("ignoring stale election watch", zap.String("path", ev.Path), zap.Stringer("type", ev.Type))
		return
	}

	switch ev.Type {
	case coordination.EventNotWatching:
		err := ev.Err
		if err == nil {
			err = coordination.ErrSessionExpired
		}
		e.report(fmt.Errorf("predecessor watch on %s dropped: %w", ev.Path, err))
	default:
		// Deletion is the interesting case, but any change consumes the
		// one-shot watch and the pass re-arms it.
		e.logger.Debug("predecessor changed", zap.String("path", ev.Path), zap.Stringer("type", ev.Type))
		if err := e.Reelect(ctx); err != nil {
			e.report(fmt.Errorf("reelection after %s: %w", ev.Type, err))
		}
	}
}

func (e *LeaderElector) report(err error) {
	metrics.AsyncErrors.WithLabelValues("election").Inc()
	e.logger.Error("election watch handling failed", zap.Error(err))
	select {
	case e.errs <- err:
	default:
		e.logger.Warn("election error channel full, dropping error", zap.Error(err))
	}
}

// Errors carries failures raised while handling watch notifications.
func (e *LeaderElector) Errors() <-chan error {
	return e.errs
}

// Resign deletes this process's candidate node. Its successor, if any, is
// notified by its own watch. Resigning without a candidate is a no-op.
func (e *LeaderElector) Resign(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	candidate := e.Candidate()
	if candidate == "" {
		return nil
	}
	err := e.client.Delete(ctx, coordination.Join(e.cfg.Namespace, candidate), coordination.AnyVersion)
	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return fmt.Errorf("resigning %s: %w", candidate, err)
	}
	e.reset()
	e.logger.Info("resigned from election", zap.String("candidate", candidate))
	return nil
}

// State returns the current role.
func (e *LeaderElector) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsLeader reports whether the last pass elected this process.
func (e *LeaderElector) IsLeader() bool {
	return e.State() == Leader
}

// Candidate returns this process's candidate name, empty before Volunteer.
func (e *LeaderElector) Candidate() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.candidate
}

// Leader returns the leader observed by the last pass. A follower is only woken
// when its own predecessor goes away, so after a failover further up the chain
// this can name a leader that is already gone.
func (e *LeaderElector) Leader() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// Predecessor returns the candidate this process is watching, if following.
func (e *LeaderElector) Predecessor() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.watching
}
