// Package calls tracks the metered calls running in this process.
package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goodtune/talktime/internal/agent"
	"github.com/goodtune/talktime/internal/meter"
	"github.com/goodtune/talktime/internal/metrics"
	"github.com/goodtune/talktime/internal/policy"
	"github.com/goodtune/talktime/internal/usage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultEndedCacheSize is the number of ended call summaries kept for polling
	DefaultEndedCacheSize = 1024

	// DefaultAccountCacheSize is the number of per-user accounts kept in memory
	DefaultAccountCacheSize = 4096
)

var (
	ErrBalanceUnknown  = errors.New("calls: balance unknown")
	ErrNoBalance       = errors.New("calls: no remaining balance")
	ErrAdmissionDenied = errors.New("calls: admission denied")
	ErrNotFound        = errors.New("calls: call not found")
)

// AdmissionError carries the reasons a call was refused by policy.
type AdmissionError struct {
	Reasons []string
}

func (e *AdmissionError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrAdmissionDenied.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAdmissionDenied, strings.Join(e.Reasons, ", "))
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionDenied }

// Admitter evaluates call admission. *policy.Engine satisfies it.
type Admitter interface {
	Evaluate(ctx context.Context, input policy.Input) (*policy.Decision, error)
}

// Config holds manager configuration
type Config struct {
	Meter              meter.Config
	MaxConcurrentCalls int
	EndedCacheSize     int
	AccountCacheSize   int
}

// Manager owns the meters of active calls.
type Manager struct {
	store     *usage.Store
	agents    agent.Ender
	admission Admitter
	config    Config
	logger    zerolog.Logger

	mu       sync.Mutex
	accounts *lru.Cache[string, *usage.Account]
	active   map[string]*meter.Meter
	pending  map[string]int
	draining map[string]*meter.Meter
	ended    *lru.Cache[string, meter.Snapshot]
}

// NewManager creates a call manager. admission may be nil, in which case only
// the balance check applies.
func NewManager(store *usage.Store, agents agent.Ender, admission Admitter, config Config, logger zerolog.Logger) (*Manager, error) {
	if config.EndedCacheSize <= 0 {
		config.EndedCacheSize = DefaultEndedCacheSize
	}
	if config.AccountCacheSize <= 0 {
		config.AccountCacheSize = DefaultAccountCacheSize
	}
	if agents == nil {
		agents = agent.Nop{}
	}

	accounts, err := lru.New[string, *usage.Account](config.AccountCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create account cache: %w", err)
	}
	ended, err := lru.New[string, meter.Snapshot](config.EndedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ended call cache: %w", err)
	}

	return &Manager{
		store:     store,
		agents:    agents,
		admission: admission,
		config:    config,
		logger:    logger.With().Str("component", "calls").Logger(),
		accounts:  accounts,
		active:    make(map[string]*meter.Meter),
		pending:   make(map[string]int),
		draining:  make(map[string]*meter.Meter),
		ended:     ended,
	}, nil
}

// Account returns the account for userID, creating it on first use.
func (m *Manager) Account(userID string) *usage.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts.Get(userID); ok {
		return acct
	}
	acct := usage.NewAccount(m.store, userID)
	m.accounts.Add(userID, acct)
	return acct
}

// Start admits and begins metering a call the agent has connected.
func (m *Manager) Start(ctx context.Context, userID, conversationID string) (meter.Snapshot, error) {
	acct := m.Account(userID)

	rec := acct.Refresh(ctx)
	if rec == nil {
		metrics.CallsRejectedTotal.WithLabelValues("unknown").Inc()
		return meter.Snapshot{}, ErrBalanceUnknown
	}
	if !usage.CanStartCall(rec) {
		metrics.CallsRejectedTotal.WithLabelValues("no_balance").Inc()
		return meter.Snapshot{}, ErrNoBalance
	}

	// The slot is held from admission until the meter is registered so
	// simultaneous starts count each other.
	activeCalls := m.reserve(userID)
	registered := false
	defer func() {
		if !registered {
			m.release(userID)
		}
	}()

	if m.admission != nil {
		decision, err := m.admission.Evaluate(ctx, policy.Input{
			UserID:             userID,
			RecordKnown:        true,
			RemainingSeconds:   rec.RemainingSeconds,
			ActiveCalls:        activeCalls,
			MaxConcurrentCalls: m.config.MaxConcurrentCalls,
		})
		if err != nil {
			metrics.CallsRejectedTotal.WithLabelValues("policy_error").Inc()
			m.logger.Error().Err(err).Str("user_id", userID).Msg("Admission evaluation failed")
			return meter.Snapshot{}, fmt.Errorf("admission evaluation failed: %w", err)
		}
		if !decision.Allow {
			metrics.CallsRejectedTotal.WithLabelValues("policy").Inc()
			return meter.Snapshot{}, &AdmissionError{Reasons: decision.Reasons}
		}
	}

	cfg := m.config.Meter
	cfg.OnEnded = m.onEnded
	mt := meter.New(acct, m.agents.Session(conversationID), cfg, m.logger)

	m.mu.Lock()
	m.active[mt.ID()] = mt
	m.releaseLocked(userID)
	registered = true
	m.mu.Unlock()

	metrics.ActiveCalls.Inc()
	metrics.CallsStartedTotal.Inc()

	if err := mt.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.active, mt.ID())
		m.mu.Unlock()
		metrics.ActiveCalls.Dec()
		return meter.Snapshot{}, err
	}

	m.logger.Info().
		Str("call_id", mt.ID()).
		Str("user_id", userID).
		Str("conversation_id", conversationID).
		Int64("remaining", rec.RemainingSeconds).
		Msg("Call started")

	return mt.Snapshot(), nil
}

// reserve holds a call slot for userID and returns the number of calls the
// user had active or starting before it.
func (m *Manager) reserve(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.activeLocked(userID) + m.pending[userID]
	m.pending[userID]++
	return n
}

func (m *Manager) release(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(userID)
}

func (m *Manager) releaseLocked(userID string) {
	if m.pending[userID] <= 1 {
		delete(m.pending, userID)
		return
	}
	m.pending[userID]--
}

// onEnded moves a finished meter out of the active set. Its summary stays
// available for polling while its last flush drains.
func (m *Manager) onEnded(snap meter.Snapshot) {
	m.mu.Lock()
	mt, ok := m.active[snap.ID]
	delete(m.active, snap.ID)
	if ok {
		m.draining[snap.ID] = mt
	}
	m.ended.Add(snap.ID, snap)
	m.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveCalls.Dec()

	m.logger.Info().
		Str("call_id", snap.ID).
		Str("user_id", snap.UserID).
		Str("reason", string(snap.EndReason)).
		Int64("elapsed", snap.ElapsedSeconds).
		Msg("Call ended")

	go func() {
		mt.Wait()
		m.mu.Lock()
		delete(m.draining, snap.ID)
		m.mu.Unlock()
	}()
}

// Get returns the state of an active or recently ended call.
func (m *Manager) Get(id string) (meter.Snapshot, error) {
	m.mu.Lock()
	mt, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		return mt.Snapshot(), nil
	}

	if snap, ok := m.ended.Get(id); ok {
		return snap, nil
	}
	return meter.Snapshot{}, ErrNotFound
}

// Stop ends an active call.
func (m *Manager) Stop(ctx context.Context, id string, reason meter.EndReason) (meter.Snapshot, error) {
	m.mu.Lock()
	mt, ok := m.active[id]
	m.mu.Unlock()

	if !ok {
		if _, ended := m.ended.Get(id); ended {
			return meter.Snapshot{}, meter.ErrEnded
		}
		return meter.Snapshot{}, ErrNotFound
	}

	if err := mt.Stop(ctx, reason); err != nil {
		return meter.Snapshot{}, err
	}
	return mt.Snapshot(), nil
}

// Unload ends an active call without waiting for anything. It reports whether
// a call was found.
func (m *Manager) Unload(id string) bool {
	m.mu.Lock()
	mt, ok := m.active[id]
	m.mu.Unlock()

	if !ok {
		return false
	}
	mt.Unload()
	return true
}

// Active returns the number of active calls for userID.
func (m *Manager) Active(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(userID)
}

func (m *Manager) activeLocked(userID string) int {
	n := 0
	for _, mt := range m.active {
		if mt.UserID() == userID {
			n++
		}
	}
	return n
}

// ActiveTotal returns the number of active calls.
func (m *Manager) ActiveTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown ends every active call and waits for outstanding flushes or ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	meters := make([]*meter.Meter, 0, len(m.active)+len(m.draining))
	for _, mt := range m.active {
		meters = append(meters, mt)
	}
	for _, mt := range m.draining {
		meters = append(meters, mt)
	}
	m.mu.Unlock()

	m.logger.Info().Int("count", len(meters)).Msg("Ending calls for shutdown")

	for _, mt := range meters {
		if err := mt.Stop(ctx, meter.ReasonShutdown); err != nil && !errors.Is(err, meter.ErrEnded) {
			m.logger.Warn().Err(err).Str("call_id", mt.ID()).Msg("Failed to end call")
		}
	}

	done := make(chan struct{})
	go func() {
		for _, mt := range meters {
			mt.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
