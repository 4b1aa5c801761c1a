// Package syncer implements the synchronization engine: the state machine,
// the remote-to-local pull, the local-changes sender and the conflict
// resolver.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"notesync/internal/cache"
	"notesync/internal/contextutil"
	"notesync/internal/model"
	"notesync/internal/ratelimit"
	"notesync/internal/remote"
	"notesync/internal/storage"
)

// LocalStore is the local storage the engine reads and writes. It is
// implemented by storage.Worker, which serializes every request.
type LocalStore interface {
	FindByGUID(ctx context.Context, kind model.Kind, guid string) (*model.Entity, error)
	FindByLocalID(ctx context.Context, localID string) (*model.Entity, error)
	ListDirty(ctx context.Context, kind model.Kind) ([]model.Entity, error)
	Delete(ctx context.Context, localID string) error
	ApplyBatch(ctx context.Context, kind model.Kind, muts []storage.Mutation, watermark int64) ([]model.Entity, error)
	ResolveConflict(ctx context.Context, localID string, resolve func(cur model.Entity) []model.Entity) ([]model.Entity, error)
	ConfirmPush(ctx context.Context, sent, accepted model.Entity) (model.Entity, error)
	Watermark(ctx context.Context, kind model.Kind) (int64, error)
}

var _ LocalStore = (*storage.Worker)(nil)

// Options tunes a Manager.
type Options struct {
	// PageSize is the maximum number of changes requested per page.
	PageSize int
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	// MaxAttempts bounds the attempts of a transiently failing call.
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Clock  ratelimit.Clock
	Logger *slog.Logger
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		PageSize:       100,
		CallTimeout:    30 * time.Second,
		MaxAttempts:    5,
		BackoffInitial: time.Second,
		BackoffMax:     time.Minute,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = def.PageSize
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = def.CallTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = def.BackoffInitial
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = max(def.BackoffMax, o.BackoffInitial)
	}
	if o.Clock == nil {
		o.Clock = ratelimit.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// RunStats counts what one run did.
type RunStats struct {
	Pulled     int `json:"pulled"`
	Expunged   int `json:"expunged"`
	Pushed     int `json:"pushed"`
	Purged     int `json:"purged"`
	Conflicts  int `json:"conflicts"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Deferred   int `json:"deferred"`
}

// Applied returns the number of remote changes written to local storage.
func (s RunStats) Applied() int {
	return s.Pulled + s.Expunged
}

// Snapshot is a point-in-time view of the Manager for status reporting.
type Snapshot struct {
	RunID      string    `json:"run_id,omitempty"`
	State      State     `json:"state"`
	Phase      State     `json:"phase"`
	Active     bool      `json:"active"`
	Paused     bool      `json:"paused"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message,omitempty"`
	Stats      RunStats  `json:"stats"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// run is the state of one Synchronize call. It survives pause and resume.
type run struct {
	id       string
	phase    State
	primed   bool
	repeated bool

	// pending holds remote versions of dirty entities seen during the pull,
	// keyed by local ID.
	pending map[string]model.Entity

	stats      RunStats
	progress   float64
	message    string
	startedAt  time.Time
	finishedAt time.Time
}

func newRun(now time.Time) *run {
	return &run{
		id:        uuid.New().String(),
		phase:     StateRemoteToLocalSync,
		pending:   make(map[string]model.Entity),
		startedAt: now,
	}
}

// Manager drives synchronization runs. Commands may be called from any
// goroutine; the run itself executes on one goroutine at a time.
type Manager struct {
	store   LocalStore
	client  remote.Client
	cache   *cache.Manager
	limiter *ratelimit.Limiter
	opts    Options
	logger  *slog.Logger
	bus     *bus

	mu       sync.Mutex
	state    State
	run      *run
	cancel   context.CancelFunc
	done     chan struct{}
	pauseReq bool
	pauseCh  chan struct{}
	lastErr  string
}

// NewManager creates an idle Manager. A nil cache or limiter is replaced by
// a default one.
func NewManager(store LocalStore, client remote.Client, c *cache.Manager, limiter *ratelimit.Limiter, opts Options) *Manager {
	opts = opts.withDefaults()
	if c == nil {
		c = cache.NewManager(cache.DefaultMaxEntries)
	}
	if limiter == nil {
		limiter = ratelimit.New(opts.Clock)
	}
	return &Manager{
		store:   store,
		client:  client,
		cache:   c,
		limiter: limiter,
		opts:    opts,
		logger:  opts.Logger,
		bus:     newBus(),
		state:   StateIdle,
		pauseCh: make(chan struct{}),
	}
}

// Subscribe registers fn for every future event and returns a function
// that cancels the subscription.
func (m *Manager) Subscribe(fn Subscriber) func() {
	return m.bus.subscribe(fn)
}

// Synchronize starts a new run from a terminal state.
func (m *Manager) Synchronize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Terminal() {
		return ErrAlreadyRunning
	}
	m.run = newRun(m.opts.Clock.Now())
	m.lastErr = ""
	m.setStateLocked(StateRemoteToLocalSync)
	m.launchLocked()
	return nil
}

// Pause asks the active run to pause at its next checkpoint. The state
// becomes Paused once the in-flight step has completed.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Running() {
		return ErrNotActive
	}
	if !m.pauseReq {
		m.pauseReq = true
		close(m.pauseCh)
	}
	return nil
}

// Resume continues a paused run in the phase it was paused in, from the
// last committed watermarks. Resuming before a requested pause took effect
// withdraws the request.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Running() && m.pauseReq {
		m.pauseReq = false
		m.pauseCh = make(chan struct{})
		return nil
	}
	if !m.state.IsPaused() {
		return ErrNotPaused
	}
	m.setStateLocked(m.run.phase)
	m.launchLocked()
	return nil
}

// Stop ends the current run. In-flight remote calls are abandoned and a
// page that was not committed yet is discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	r := m.run
	r.finishedAt = m.opts.Clock.Now()
	m.setStateLocked(StateStopped)
	if r.phase == StateSendingLocalChanges {
		m.emitLocked(Event{Type: EventSendLocalChangesStopped})
	} else {
		m.emitLocked(Event{Type: EventRemoteToLocalSyncStopped})
	}
}

// Wait blocks until the run goroutine has exited, which happens when the
// run finishes, fails, pauses or is stopped.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether a run is in one of its two active phases.
func (m *Manager) Active() bool {
	return m.State().Running()
}

// Paused reports whether a run is paused.
func (m *Manager) Paused() bool {
	return m.State().IsPaused()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state with the progress of the last run.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:     m.state,
		Active:    m.state.Running(),
		Paused:    m.state.IsPaused(),
		LastError: m.lastErr,
	}
	if r := m.run; r != nil {
		s.RunID = r.id
		s.Phase = r.phase
		s.Progress = r.progress
		s.Message = r.message
		s.Stats = r.stats
		s.StartedAt = r.startedAt
		s.FinishedAt = r.finishedAt
	}
	return s
}

func (m *Manager) launchLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	prev := m.done
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.pauseReq = false
	m.pauseCh = make(chan struct{})

	go m.execute(ctx, m.run, prev, done)
}

func (m *Manager) execute(ctx context.Context, r *run, prev, done chan struct{}) {
	defer close(done)
	if prev != nil {
		// The previous goroutine may still be unwinding after Stop.
		<-prev
	}

	logger := m.logger.With("run_id", r.id)
	ctx = contextutil.WithLogger(ctx, logger)
	logger.InfoContext(ctx, "synchronization step started", "phase", r.phase.String())

	x := &execution{m: m, r: r}
	err := x.drive(ctx)
	m.finish(ctx, r, err)
}

func (m *Manager) finish(ctx context.Context, r *run, err error) {
	logger := contextutil.LoggerFromContextOr(ctx, m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run != r || m.state == StateStopped {
		logger.InfoContext(ctx, "synchronization stopped", "phase", r.phase.String())
		return
	}

	switch {
	case err == nil:
		r.finishedAt = m.opts.Clock.Now()
		m.setStateLocked(StateFinished)
		m.emitLocked(Event{Type: EventFinished})
		logger.InfoContext(ctx, "synchronization finished",
			"pulled", r.stats.Pulled, "expunged", r.stats.Expunged, "pushed", r.stats.Pushed,
			"conflicts", r.stats.Conflicts, "rejected", r.stats.Rejected)
	case errors.Is(err, errPauseRequested):
		m.pausedLocked(r, false)
		logger.InfoContext(ctx, "synchronization paused", "phase", r.phase.String())
	case errors.Is(err, remote.ErrAuthExpired):
		m.pausedLocked(r, true)
		logger.WarnContext(ctx, "synchronization paused pending authentication", "phase", r.phase.String())
	default:
		r.finishedAt = m.opts.Clock.Now()
		m.lastErr = Describe(err)
		m.setStateLocked(StateFailed)
		m.emitLocked(Event{Type: EventFailed, Description: m.lastErr})
		logger.ErrorContext(ctx, "synchronization failed", "phase", r.phase.String(), "error", err)
	}
}

func (m *Manager) pausedLocked(r *run, pendingAuth bool) {
	m.pauseReq = false
	if pendingAuth {
		m.setStateLocked(StatePausedPendingAuth)
	} else {
		m.setStateLocked(StatePaused)
	}
	typ := EventRemoteToLocalSyncPaused
	if r.phase == StateSendingLocalChanges {
		typ = EventSendLocalChangesPaused
	}
	m.emitLocked(Event{Type: typ, PendingAuthentication: pendingAuth})
}

// transition moves the run to its next phase unless it was stopped meanwhile.
func (m *Manager) transition(r *run, phase State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.phase = phase
	if m.run == r && m.state.Running() {
		m.setStateLocked(phase)
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.emitLocked(Event{Type: EventStateChanged, State: s})
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(ev)
}

func (m *Manager) emitLocked(ev Event) {
	ev.Time = m.opts.Clock.Now()
	if m.run != nil && ev.RunID == "" {
		ev.RunID = m.run.id
	}
	m.bus.publish(ev)
}

// reportProgress emits a progress event, never letting the percentage of a
// run go backwards.
func (m *Manager) reportProgress(r *run, message string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pct < r.progress {
		pct = r.progress
	}
	pct = min(pct, 100)
	r.progress = pct
	r.message = message
	m.emitRunningLocked(r, Event{Type: EventProgress, Message: message, Percentage: pct})
}

// emitRunning publishes an event of run r only while r is the current run
// and still in an active phase. A run unwinding after Stop or a pause
// stays silent, so no event follows the one that ended it.
func (m *Manager) emitRunning(r *run, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitRunningLocked(r, ev)
}

func (m *Manager) emitRunningLocked(r *run, ev Event) {
	if m.run == r && m.state.Running() {
		m.emitLocked(ev)
	}
}

func (m *Manager) count(r *run, fn func(s *RunStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&r.stats)
}

func (m *Manager) pauseRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseReq
}

func (m *Manager) pauseSignal() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseCh
}
