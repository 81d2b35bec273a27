// Package meter runs the per-call usage timer. A Meter counts connected
// seconds, periodically charges them to the caller's account and ends the call
// once the balance runs out.
package meter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goodtune/talktime/internal/agent"
	"github.com/goodtune/talktime/internal/metrics"
	"github.com/goodtune/talktime/internal/usage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultTickInterval is the resolution of the local call timer
	DefaultTickInterval = time.Second

	// DefaultFlushEvery is the number of ticks between periodic flushes
	DefaultFlushEvery = 10

	// DefaultFlushSeconds is the amount charged by each periodic flush
	DefaultFlushSeconds int64 = 10

	// DefaultFlushTimeout bounds a single flush to the usage store
	DefaultFlushTimeout = 5 * time.Second
)

const (
	flushPeriodic = "periodic"
	flushFinal    = "final"
	flushUnload   = "unload"
)

var (
	// ErrAlreadyStarted is returned by Start on a meter that left Idle.
	ErrAlreadyStarted = errors.New("meter: already started")

	// ErrEnded is returned when stopping a meter that is already ending.
	ErrEnded = errors.New("meter: call already ended")
)

// Account is the balance a meter charges. *usage.Account satisfies it.
type Account interface {
	UserID() string
	Update(ctx context.Context, deltaSeconds int64) bool
	Remaining() int64
}

// Config holds meter configuration
type Config struct {
	TickInterval time.Duration
	FlushEvery   int
	FlushSeconds int64
	FlushTimeout time.Duration
	Clock        Clock

	// OnEnded is called once, after the meter reaches Ended.
	OnEnded func(Snapshot)
}

// Meter meters a single call.
type Meter struct {
	id      string
	account Account
	session agent.Session
	config  Config
	clock   Clock
	logger  zerolog.Logger

	mu            sync.Mutex
	state         State
	elapsed       int64
	lastFlushedAt int64
	startedAt     time.Time
	endedAt       time.Time
	reason        EndReason
	ctx           context.Context
	ticker        Ticker

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	flushes  sync.WaitGroup
}

// New creates an idle meter for a call held by session and charged to account.
func New(account Account, session agent.Session, config Config, logger zerolog.Logger) *Meter {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = DefaultFlushEvery
	}
	if config.FlushSeconds <= 0 {
		config.FlushSeconds = DefaultFlushSeconds
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = DefaultFlushTimeout
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}

	id := uuid.NewString()
	return &Meter{
		id:      id,
		account: account,
		session: session,
		config:  config,
		clock:   config.Clock,
		logger: logger.With().
			Str("component", "meter").
			Str("call_id", id).
			Str("user_id", account.UserID()).
			Str("conversation_id", session.ID()).
			Logger(),
		state: StateIdle,
		ctx:   context.Background(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ID returns the call id.
func (m *Meter) ID() string {
	return m.id
}

// UserID returns the account owner.
func (m *Meter) UserID() string {
	return m.account.UserID()
}

// Start begins metering once the agent reports the call connected. Flushes
// outlive ctx cancellation so a finished request does not abort them.
func (m *Meter) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrAlreadyStarted
	}

	m.ctx = context.WithoutCancel(ctx)
	m.state = StateActive
	m.startedAt = m.clock.Now()
	m.ticker = m.clock.NewTicker(m.config.TickInterval)

	go m.run(m.ticker)

	m.logger.Info().Int64("remaining", m.account.Remaining()).Msg("Call metering started")
	return nil
}

func (m *Meter) run(ticker Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C():
			if exhausted := m.tick(); exhausted {
				m.terminate(m.ctx, ReasonExhausted)
				return
			}
		}
	}
}

// tick advances the timer by one second and reports whether the last known
// balance is exhausted.
func (m *Meter) tick() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return false
	}

	m.elapsed++
	if m.elapsed%int64(m.config.FlushEvery) == 0 {
		m.lastFlushedAt = m.elapsed
		m.flush(flushPeriodic, m.config.FlushSeconds)
	}

	// Remaining is -1 while the balance is unknown, which never ends a call.
	return m.account.Remaining() == 0
}

// flush charges seconds in the background. The result is logged and counted,
// never retried.
func (m *Meter) flush(kind string, seconds int64) {
	if seconds <= 0 {
		return
	}

	m.flushes.Add(1)
	go func(ctx context.Context) {
		defer m.flushes.Done()

		ctx, cancel := context.WithTimeout(ctx, m.config.FlushTimeout)
		defer cancel()

		if !m.account.Update(ctx, seconds) {
			metrics.FlushesTotal.WithLabelValues(kind, "failed").Inc()
			m.logger.Warn().Str("kind", kind).Int64("seconds", seconds).Msg("Usage flush failed")
			return
		}
		metrics.FlushesTotal.WithLabelValues(kind, "ok").Inc()
		m.logger.Debug().
			Str("kind", kind).
			Int64("seconds", seconds).
			Int64("remaining", m.account.Remaining()).
			Msg("Usage flushed")
	}(m.ctx)
}

// Stop ends the call: the agent conversation is ended, the seconds since the
// last flush are charged, and the meter moves to Ended.
func (m *Meter) Stop(ctx context.Context, reason EndReason) error {
	if !m.terminate(ctx, reason) {
		return ErrEnded
	}
	return nil
}

func (m *Meter) terminate(ctx context.Context, reason EndReason) bool {
	remainder, ok := m.beginEnd(reason)
	if !ok {
		return false
	}
	m.stopTicking()

	if err := m.session.End(ctx); err != nil {
		m.logger.Error().Err(err).Str("reason", string(reason)).Msg("Failed to end agent conversation")
	}

	m.mu.Lock()
	m.flush(flushFinal, remainder)
	m.mu.Unlock()

	m.finish()
	return true
}

// Unload ends the call after the client went away. The final flush and the
// agent hang-up run in the background and their errors are discarded.
func (m *Meter) Unload() {
	remainder, ok := m.beginEnd(ReasonUnload)
	if !ok {
		return
	}
	m.stopTicking()

	m.mu.Lock()
	m.flush(flushUnload, remainder)
	m.flushes.Add(1)
	go func(ctx context.Context) {
		defer m.flushes.Done()
		ctx, cancel := context.WithTimeout(ctx, m.config.FlushTimeout)
		defer cancel()
		_ = m.session.End(ctx)
	}(m.ctx)
	m.mu.Unlock()

	m.finish()
}

// beginEnd moves the meter to Terminating and returns the unflushed seconds.
func (m *Meter) beginEnd(reason EndReason) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateTerminating, StateEnded:
		return 0, false
	}

	m.state = StateTerminating
	m.reason = reason
	remainder := m.elapsed - m.lastFlushedAt
	m.lastFlushedAt = m.elapsed

	m.logger.Info().
		Str("reason", string(reason)).
		Int64("elapsed", m.elapsed).
		Int64("unflushed", remainder).
		Msg("Call ending")

	return remainder, true
}

func (m *Meter) stopTicking() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Meter) finish() {
	m.mu.Lock()
	m.state = StateEnded
	m.endedAt = m.clock.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	metrics.CallsEndedTotal.WithLabelValues(string(snap.EndReason)).Inc()
	if !snap.StartedAt.IsZero() {
		metrics.CallDuration.Observe(float64(snap.ElapsedSeconds))
	}

	close(m.done)
	if m.config.OnEnded != nil {
		m.config.OnEnded(snap)
	}
}

// Done is closed once the meter reaches Ended.
func (m *Meter) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until every flush started so far has completed.
func (m *Meter) Wait() {
	m.flushes.Wait()
}

// Snapshot returns the current call state.
func (m *Meter) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Meter) snapshotLocked() Snapshot {
	remaining := m.account.Remaining()
	snap := Snapshot{
		ID:               m.id,
		UserID:           m.account.UserID(),
		ConversationID:   m.session.ID(),
		State:            m.state,
		ElapsedSeconds:   m.elapsed,
		LastFlushedAt:    m.lastFlushedAt,
		RemainingSeconds: remaining,
		StartedAt:        m.startedAt,
		EndedAt:          m.endedAt,
		EndReason:        m.reason,
	}
	if remaining >= 0 {
		snap.RemainingTime = usage.FormatRemainingTime(remaining)
	}
	return snap
}
