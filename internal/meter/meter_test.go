package meter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTicker struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop() { f.once.Do(func() { close(f.stopped) }) }

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	ticker *fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticker = &fakeTicker{c: make(chan time.Time), stopped: make(chan struct{})}
	return f.ticker
}

// advance delivers n ticks, stopping early if the meter ends.
func (f *fakeClock) advance(t *testing.T, m *Meter, n int) {
	t.Helper()
	f.mu.Lock()
	ticker := f.ticker
	f.mu.Unlock()

	target := m.Snapshot().ElapsedSeconds + int64(n)

	for i := 0; i < n; i++ {
		f.mu.Lock()
		f.now = f.now.Add(time.Second)
		now := f.now
		f.mu.Unlock()

		select {
		case ticker.c <- now:
		case <-m.Done():
			return
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d was not consumed", i+1)
		}
	}

	// The last tick may still be in flight once it has been received.
	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshot().ElapsedSeconds < target {
		select {
		case <-m.Done():
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("meter did not reach %d elapsed seconds", target)
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeAccount struct {
	mu        sync.Mutex
	userID    string
	remaining int64
	total     int64
	updates   []int64
	fail      bool
}

func (a *fakeAccount) UserID() string { return a.userID }

func (a *fakeAccount) Update(ctx context.Context, delta int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates = append(a.updates, delta)
	if a.fail {
		return false
	}
	a.total += delta
	a.remaining -= delta
	if a.remaining < 0 {
		a.remaining = 0
	}
	return true
}

func (a *fakeAccount) Remaining() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remaining
}

func (a *fakeAccount) Updates() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.updates...)
}

type fakeSession struct {
	mu   sync.Mutex
	ends int
	err  error
}

func (s *fakeSession) ID() string { return "conv-1" }

func (s *fakeSession) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
	return s.err
}

func (s *fakeSession) Ends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ends
}

func newTestMeter(t *testing.T, acct *fakeAccount, sess *fakeSession, onEnded func(Snapshot)) (*Meter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	m := New(acct, sess, Config{
		FlushEvery:   10,
		FlushSeconds: 10,
		Clock:        clock,
		OnEnded:      onEnded,
	}, zerolog.Nop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return m, clock
}

func waitDone(t *testing.T, m *Meter) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("meter did not end")
	}
}

func equalUpdates(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMeterPeriodicAndFinalFlush(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 1200}
	sess := &fakeSession{}
	var ended []Snapshot
	var endedMu sync.Mutex
	m, clock := newTestMeter(t, acct, sess, func(s Snapshot) {
		endedMu.Lock()
		ended = append(ended, s)
		endedMu.Unlock()
	})

	clock.advance(t, m, 25)
	m.Wait()

	snap := m.Snapshot()
	if snap.ElapsedSeconds != 25 {
		t.Errorf("expected elapsed 25, got %d", snap.ElapsedSeconds)
	}
	if snap.LastFlushedAt != 20 {
		t.Errorf("expected last flushed at 20, got %d", snap.LastFlushedAt)
	}
	if snap.State != StateActive {
		t.Errorf("expected active, got %s", snap.State)
	}
	if got := acct.Updates(); !equalUpdates(got, []int64{10, 10}) {
		t.Errorf("expected periodic flushes [10 10], got %v", got)
	}

	if err := m.Stop(context.Background(), ReasonUser); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitDone(t, m)
	m.Wait()

	if got := acct.Updates(); !equalUpdates(got, []int64{10, 10, 5}) {
		t.Errorf("expected final flush of 5, got %v", got)
	}
	if acct.Remaining() != 1175 {
		t.Errorf("expected remaining 1175, got %d", acct.Remaining())
	}
	if sess.Ends() != 1 {
		t.Errorf("expected agent session ended once, got %d", sess.Ends())
	}

	snap = m.Snapshot()
	if snap.State != StateEnded || snap.EndReason != ReasonUser {
		t.Errorf("expected ended/user, got %s/%s", snap.State, snap.EndReason)
	}
	if snap.EndedAt.IsZero() {
		t.Error("expected ended_at to be set")
	}

	endedMu.Lock()
	defer endedMu.Unlock()
	if len(ended) != 1 {
		t.Fatalf("expected OnEnded once, got %d", len(ended))
	}
	if ended[0].ElapsedSeconds != 25 {
		t.Errorf("expected ended snapshot elapsed 25, got %d", ended[0].ElapsedSeconds)
	}
}

func TestMeterNoFinalFlushOnBoundary(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 1200}
	m, clock := newTestMeter(t, acct, &fakeSession{}, nil)

	clock.advance(t, m, 10)
	if err := m.Stop(context.Background(), ReasonUser); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	m.Wait()

	if got := acct.Updates(); !equalUpdates(got, []int64{10}) {
		t.Errorf("expected a single periodic flush, got %v", got)
	}
}

func TestMeterZeroFlushSecondsUsesDefault(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 1200}
	clock := newFakeClock()
	m := New(acct, &fakeSession{}, Config{FlushEvery: 10, Clock: clock}, zerolog.Nop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.advance(t, m, 10)
	if err := m.Stop(context.Background(), ReasonUser); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	m.Wait()

	if got := acct.Updates(); !equalUpdates(got, []int64{DefaultFlushSeconds}) {
		t.Errorf("expected a periodic flush of %d, got %v", DefaultFlushSeconds, got)
	}
}

func TestMeterEndsWhenExhaustedAtStart(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 0}
	sess := &fakeSession{}
	m, clock := newTestMeter(t, acct, sess, nil)

	clock.advance(t, m, 1)
	waitDone(t, m)
	m.Wait()

	snap := m.Snapshot()
	if snap.EndReason != ReasonExhausted {
		t.Errorf("expected exhausted, got %s", snap.EndReason)
	}
	if snap.ElapsedSeconds != 1 {
		t.Errorf("expected elapsed 1, got %d", snap.ElapsedSeconds)
	}
	if got := acct.Updates(); !equalUpdates(got, []int64{1}) {
		t.Errorf("expected final flush of 1, got %v", got)
	}
	if sess.Ends() != 1 {
		t.Errorf("expected agent session ended once, got %d", sess.Ends())
	}
}

func TestMeterEndsWhenFlushExhaustsBalance(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 10}
	m, clock := newTestMeter(t, acct, &fakeSession{}, nil)

	clock.advance(t, m, 10)
	m.Wait()
	if acct.Remaining() != 0 {
		t.Fatalf("expected remaining 0 after flush, got %d", acct.Remaining())
	}

	clock.advance(t, m, 5)
	waitDone(t, m)
	m.Wait()

	snap := m.Snapshot()
	if snap.EndReason != ReasonExhausted {
		t.Errorf("expected exhausted, got %s", snap.EndReason)
	}
	if snap.ElapsedSeconds < 10 || snap.ElapsedSeconds > 11 {
		t.Errorf("expected call to end at the first tick after exhaustion, elapsed %d", snap.ElapsedSeconds)
	}
	if acct.Remaining() != 0 {
		t.Errorf("expected remaining never below 0, got %d", acct.Remaining())
	}
}

func TestMeterFailedFlushDoesNotEndCall(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 1200, fail: true}
	m, clock := newTestMeter(t, acct, &fakeSession{}, nil)

	clock.advance(t, m, 20)
	m.Wait()

	if got := acct.Updates(); !equalUpdates(got, []int64{10, 10}) {
		t.Errorf("expected one attempt per boundary without retries, got %v", got)
	}
	snap := m.Snapshot()
	if snap.State != StateActive {
		t.Errorf("expected call to stay active, got %s", snap.State)
	}
	if snap.LastFlushedAt != 20 {
		t.Errorf("expected failed flushes not to be rolled back, last flushed at %d", snap.LastFlushedAt)
	}

	_ = m.Stop(context.Background(), ReasonUser)
}

func TestMeterUnknownBalanceKeepsCallRunning(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: -1, fail: true}
	m, clock := newTestMeter(t, acct, &fakeSession{}, nil)

	clock.advance(t, m, 3)
	if m.Snapshot().State != StateActive {
		t.Error("expected call to stay active with unknown balance")
	}
	if m.Snapshot().RemainingTime != "" {
		t.Error("expected no formatted balance while unknown")
	}
	_ = m.Stop(context.Background(), ReasonUser)
}

func TestMeterUnload(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 1200}
	sess := &fakeSession{err: errors.New("tab closed")}
	m, clock := newTestMeter(t, acct, sess, nil)

	clock.advance(t, m, 7)
	m.Unload()

	snap := m.Snapshot()
	if snap.State != StateEnded || snap.EndReason != ReasonUnload {
		t.Errorf("expected ended/unload, got %s/%s", snap.State, snap.EndReason)
	}

	m.Wait()
	if got := acct.Updates(); !equalUpdates(got, []int64{7}) {
		t.Errorf("expected unload flush of 7, got %v", got)
	}
	if sess.Ends() != 1 {
		t.Errorf("expected agent hang-up attempt, got %d", sess.Ends())
	}

	// A second unload is ignored.
	m.Unload()
	m.Wait()
	if got := acct.Updates(); len(got) != 1 {
		t.Errorf("expected no further flushes, got %v", got)
	}
}

func TestMeterLifecycleErrors(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 1200}
	m, _ := newTestMeter(t, acct, &fakeSession{}, nil)

	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := m.Stop(context.Background(), ReasonUser); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := m.Stop(context.Background(), ReasonUser); !errors.Is(err, ErrEnded) {
		t.Errorf("expected ErrEnded, got %v", err)
	}
}

func TestMeterStopBeforeStart(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 1200}
	m := New(acct, &fakeSession{}, Config{Clock: newFakeClock()}, zerolog.Nop())

	if err := m.Stop(context.Background(), ReasonAgentError); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitDone(t, m)
	m.Wait()

	if got := acct.Updates(); len(got) != 0 {
		t.Errorf("expected no flush for a call that never connected, got %v", got)
	}
	if m.Snapshot().State != StateEnded {
		t.Errorf("expected ended, got %s", m.Snapshot().State)
	}
}

func TestMeterStopsTicker(t *testing.T) {
	acct := &fakeAccount{userID: "user-1", remaining: 1200}
	m, clock := newTestMeter(t, acct, &fakeSession{}, nil)

	_ = m.Stop(context.Background(), ReasonUser)

	select {
	case <-clock.ticker.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker was not stopped")
	}
}

func TestParseEndReason(t *testing.T) {
	tests := []struct {
		in      string
		want    EndReason
		wantErr bool
	}{
		{"", ReasonUser, false},
		{"user", ReasonUser, false},
		{"agent_error", ReasonAgentError, false},
		{"exhausted", "", true},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		got, err := ParseEndReason(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEndReason(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseEndReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
