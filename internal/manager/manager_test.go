package manager

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/loykin/poolkeeper/internal/cleanup"
	"github.com/loykin/poolkeeper/internal/heartbeat"
	"github.com/loykin/poolkeeper/internal/history"
	"github.com/loykin/poolkeeper/internal/process"
	"github.com/loykin/poolkeeper/internal/registry"
	"github.com/loykin/poolkeeper/internal/sysinfo"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakePool stands in for the OS: launched workers show up in the next
// snapshot and terminated ones disappear.
type fakePool struct {
	mu        sync.Mutex
	procs     map[int]registry.WorkerProcess
	next      int
	now       time.Time
	launchErr error
	stubborn  map[int]bool
	graces    map[int]time.Duration
	snapPanic bool
	termDelay time.Duration
	inflight  atomic.Int32
	peak      atomic.Int32
}

func newFakePool() *fakePool {
	return &fakePool{
		procs:    map[int]registry.WorkerProcess{},
		next:     40000,
		now:      t0,
		stubborn: map[int]bool{},
		graces:   map[int]time.Duration{},
	}
}

func (f *fakePool) add(launchedAt time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.procs[f.next] = registry.WorkerProcess{PID: f.next, LaunchedAt: launchedAt}
	return f.next
}

func (f *fakePool) pids() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.procs))
}

func (f *fakePool) Snapshot(context.Context) ([]registry.WorkerProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapPanic {
		panic("scan exploded")
	}
	out := make([]registry.WorkerProcess, 0, len(f.procs))
	for _, pid := range slices.Sorted(maps.Keys(f.procs)) {
		out = append(out, f.procs[pid])
	}
	return out, nil
}

func (f *fakePool) Get(_ context.Context, pid int) (registry.WorkerProcess, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.procs[pid]
	return w, ok
}

func (f *fakePool) Launch(context.Context) process.LaunchResult {
	f.mu.Lock()
	err := f.launchErr
	now := f.now
	f.mu.Unlock()
	if err != nil {
		return process.LaunchResult{Err: err}
	}
	return process.LaunchResult{PID: f.add(now)}
}

func (f *fakePool) Terminate(_ context.Context, pid int, grace time.Duration) (process.Outcome, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.termDelay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.graces[pid] = grace
	if _, ok := f.procs[pid]; !ok {
		return process.NotFound, nil
	}
	delete(f.procs, pid)
	if f.stubborn[pid] {
		return process.Killed, nil
	}
	return process.Terminated, nil
}

func (f *fakePool) Kill(_ context.Context, pid int) (process.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.procs[pid]; !ok {
		return process.NotFound, nil
	}
	delete(f.procs, pid)
	return process.Killed, nil
}

type fakeEvidence struct {
	mu        sync.Mutex
	ev        map[int]heartbeat.Evidence
	err       error
	truncErr  error
	truncated int
	skipped   int
	onRead    func()
}

func (f *fakeEvidence) Skipped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

func (f *fakeEvidence) set(pid int, e heartbeat.Evidence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ev == nil {
		f.ev = map[int]heartbeat.Evidence{}
	}
	f.ev[pid] = e
}

func (f *fakeEvidence) Read() (map[int]heartbeat.Evidence, error) {
	f.mu.Lock()
	out := maps.Clone(f.ev)
	err := f.err
	hook := f.onRead
	f.onRead = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, err
}

func (f *fakeEvidence) Truncate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.truncErr != nil {
		return f.truncErr
	}
	f.ev = nil
	f.truncated++
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.EventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type cleanupFunc func(ctx context.Context) (cleanup.Result, error)

func (f cleanupFunc) Run(ctx context.Context) (cleanup.Result, error) { return f(ctx) }

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakePool, *fakeEvidence) {
	t.Helper()
	pool := newFakePool()
	ev := &fakeEvidence{}
	m := New(cfg, Deps{Registry: pool, Evidence: ev, Launcher: pool, Terminator: pool}, nil)
	m.now = func() time.Time { return t0 }
	return m, pool, ev
}

func tickN(t *testing.T, m *Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.Tick(context.Background()))
	}
}

func TestNewStartsPausedUnlessAutostart(t *testing.T) {
	m, _, _ := newTestManager(t, Config{Desired: 3})
	st := m.State()
	assert.True(t, st.Paused)
	assert.Equal(t, 3, st.Desired)

	m, _, _ = newTestManager(t, Config{Desired: -1, Autostart: true})
	assert.False(t, m.State().Paused)
	assert.Zero(t, m.State().Desired)
	assert.Equal(t, DefaultTickInterval, m.Config().TickInterval)
	assert.Equal(t, DefaultStaleAfter, m.Config().StaleAfter)
}

func TestTickLaunchesOnePerTick(t *testing.T) {
	m, pool, _ := newTestManager(t, Config{Desired: 2, Autostart: true})

	tickN(t, m, 1)
	assert.Len(t, pool.pids(), 1, "tick 1 launches one worker")
	tickN(t, m, 1)
	assert.Len(t, pool.pids(), 2, "tick 2 launches the second")
	tickN(t, m, 3)
	assert.Len(t, pool.pids(), 2, "holds at desired")
	assert.EqualValues(t, 2, m.State().LifetimeCreated)
}

func TestConvergesToDesired(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := rapid.IntRange(0, 8).Draw(rt, "desired")
		extra := rapid.IntRange(0, 4).Draw(rt, "extra")
		pool := newFakePool()
		m := New(Config{Desired: d, Autostart: true}, Deps{Registry: pool, Evidence: &fakeEvidence{}, Launcher: pool, Terminator: pool}, nil)
		for i := 0; i < d+extra; i++ {
			if err := m.Tick(context.Background()); err != nil {
				rt.Fatalf("tick: %v", err)
			}
		}
		if got := len(pool.pids()); got != d {
			rt.Fatalf("live = %d, want %d", got, d)
		}
		if got := m.State().LifetimeCreated; got != int64(d) {
			rt.Fatalf("created = %d, want %d", got, d)
		}
	})
}

func TestLaunchFailureIsRetriedNextTick(t *testing.T) {
	m, pool, _ := newTestManager(t, Config{Desired: 1, Autostart: true})
	pool.launchErr = errors.New("exec: permission denied")

	require.NoError(t, m.Tick(context.Background()))
	assert.Empty(t, pool.pids())
	assert.Zero(t, m.State().LifetimeCreated)

	pool.mu.Lock()
	pool.launchErr = nil
	pool.mu.Unlock()
	tickN(t, m, 1)
	assert.Len(t, pool.pids(), 1)
	assert.EqualValues(t, 1, m.State().LifetimeCreated)
}

func TestStaleWorkerTerminatedAndReplaced(t *testing.T) {
	m, pool, ev := newTestManager(t, Config{Desired: 1, Autostart: true, StaleAfter: 3 * time.Minute})
	sink := &memSink{}
	m.SetHistory(history.NewRecorder("test", nil, sink))

	old := pool.add(t0.Add(-10 * time.Minute))
	ev.set(old, heartbeat.Evidence{LastHeartbeat: t0.Add(-4 * time.Minute), Completed: 2})

	tickN(t, m, 1)
	assert.Empty(t, pool.pids(), "stale worker is stopped")
	assert.Equal(t, m.Config().StopGrace, pool.graces[old])

	tickN(t, m, 1)
	pids := pool.pids()
	require.Len(t, pids, 1)
	assert.NotEqual(t, old, pids[0])
	assert.Equal(t, []history.EventType{history.EventTerminate, history.EventLaunch}, sink.types())
	assert.EqualValues(t, 2, m.State().LifetimeCompleted)
}

func TestNoEvidenceIsNotStale(t *testing.T) {
	m, pool, ev := newTestManager(t, Config{Desired: 2, Autostart: true})
	quiet := pool.add(t0.Add(-time.Hour))
	fresh := pool.add(t0.Add(-time.Hour))
	ev.set(fresh, heartbeat.Evidence{LastHeartbeat: t0.Add(-time.Minute)})
	// completions without any heartbeat are still not silence
	ev.set(quiet, heartbeat.Evidence{Completed: 4})

	tickN(t, m, 3)
	assert.Equal(t, []int{quiet, fresh}, pool.pids())
	assert.Empty(t, pool.graces)
}

func TestHeartbeatFromEarlierPidOwnerIgnored(t *testing.T) {
	m, pool, ev := newTestManager(t, Config{Desired: 1, Autostart: true})
	pid := pool.add(t0.Add(-30 * time.Second))
	ev.set(pid, heartbeat.Evidence{LastHeartbeat: t0.Add(-time.Hour)})

	tickN(t, m, 1)
	assert.Equal(t, []int{pid}, pool.pids())
}

func TestUnreadableLogSkipsStalenessOnly(t *testing.T) {
	m, pool, ev := newTestManager(t, Config{Desired: 2, Autostart: true})
	pid := pool.add(t0.Add(-time.Hour))
	ev.set(pid, heartbeat.Evidence{LastHeartbeat: t0.Add(-time.Hour)})
	ev.err = errors.New("permission denied")

	err := m.Tick(context.Background())
	require.Error(t, err)
	assert.Len(t, pool.pids(), 2, "launch still happens")
	assert.Contains(t, pool.pids(), pid)
	assert.Contains(t, m.lastErr, "permission denied")
}

func TestPauseStopsLaunchesButStillReaps(t *testing.T) {
	m, pool, ev := newTestManager(t, Config{Desired: 3, Autostart: true})
	tickN(t, m, 1)
	require.Len(t, pool.pids(), 1)

	m.Pause()
	assert.True(t, m.State().Paused)
	stale := pool.add(t0.Add(-time.Hour))
	ev.set(stale, heartbeat.Evidence{LastHeartbeat: t0.Add(-5 * time.Minute)})
	tickN(t, m, 3)
	assert.Len(t, pool.pids(), 1, "no launches while paused")
	assert.NotContains(t, pool.pids(), stale, "stale worker reaped while paused")

	m.Resume()
	tickN(t, m, 2)
	assert.Len(t, pool.pids(), 3)
}

func TestHoldStaleWhenPaused(t *testing.T) {
	m, pool, ev := newTestManager(t, Config{Desired: 1, HoldStaleWhenPaused: true})
	stale := pool.add(t0.Add(-time.Hour))
	ev.set(stale, heartbeat.Evidence{LastHeartbeat: t0.Add(-5 * time.Minute)})

	tickN(t, m, 2)
	assert.Equal(t, []int{stale}, pool.pids())

	m.Resume()
	tickN(t, m, 1)
	assert.Empty(t, pool.pids())
}

func TestSetDesiredRejectsNegative(t *testing.T) {
	m, _, _ := newTestManager(t, Config{Desired: 1})
	err := m.SetDesired(-1)
	assert.ErrorIs(t, err, ErrInvalidCount)
	assert.Equal(t, 1, m.State().Desired)
	require.NoError(t, m.SetDesired(0))
	assert.Zero(t, m.State().Desired)
}

func TestRequestLaunchCountsTowardCreated(t *testing.T) {
	m, pool, _ := newTestManager(t, Config{})
	pid, err := m.RequestLaunch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{pid}, pool.pids())
	assert.EqualValues(t, 1, m.State().LifetimeCreated)

	pool.launchErr = errors.New("fork failed")
	_, err = m.RequestLaunch(context.Background())
	assert.Error(t, err)
	assert.EqualValues(t, 1, m.State().LifetimeCreated)
}

func TestRequestStopAndKill(t *testing.T) {
	m, pool, _ := newTestManager(t, Config{StopGrace: 7 * time.Second})
	a := pool.add(t0)
	b := pool.add(t0)

	out, err := m.RequestStop(context.Background(), a, 0)
	require.NoError(t, err)
	assert.Equal(t, process.Terminated, out)
	assert.Equal(t, 7*time.Second, pool.graces[a])

	out, err = m.RequestStop(context.Background(), 99999999, time.Second)
	require.NoError(t, err)
	assert.Equal(t, process.NotFound, out)
	_, touched := pool.graces[99999999]
	assert.False(t, touched, "non-member never signalled")

	out, err = m.RequestKill(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, process.Killed, out)
	out, err = m.RequestKill(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, process.NotFound, out)
}

func TestRequestStopAllIsConcurrentAndRunsCleanup(t *testing.T) {
	m, pool, _ := newTestManager(t, Config{Desired: 3, Autostart: true, BulkStopGrace: 2 * time.Second})
	pool.termDelay = 50 * time.Millisecond
	a, b, c := pool.add(t0), pool.add(t0), pool.add(t0)
	pool.stubborn[c] = true

	var hookRan atomic.Bool
	m.SetCleanupHook(cleanupFunc(func(context.Context) (cleanup.Result, error) {
		hookRan.Store(true)
		return cleanup.Result{123: process.Killed}, nil
	}))

	res, err := m.RequestStopAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int]process.Outcome{a: process.Terminated, b: process.Terminated, c: process.Killed}, res)
	assert.Greater(t, pool.peak.Load(), int32(1), "terminations overlap")
	assert.Equal(t, 2*time.Second, pool.graces[a])
	assert.True(t, hookRan.Load())
	assert.True(t, m.State().Paused)

	tickN(t, m, 2)
	assert.Empty(t, pool.pids(), "paused pool is not refilled")
}

func TestRequestStopAllHookFailureIgnored(t *testing.T) {
	m, pool, _ := newTestManager(t, Config{})
	pool.add(t0)
	m.SetCleanupHook(cleanupFunc(func(context.Context) (cleanup.Result, error) {
		return nil, errors.New("scan failed")
	}))
	res, err := m.RequestStopAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestResetZeroesCountersAndTruncates(t *testing.T) {
	m, pool, ev := newTestManager(t, Config{Desired: 1, Autostart: true})
	sink := &memSink{}
	m.SetHistory(history.NewRecorder("test", nil, sink))
	tickN(t, m, 1)
	pid := pool.pids()[0]
	ev.set(pid, heartbeat.Evidence{LastHeartbeat: t0, Completed: 5})
	tickN(t, m, 1)
	require.EqualValues(t, 5, m.State().LifetimeCompleted)

	require.NoError(t, m.Reset(context.Background()))
	st := m.State()
	assert.Zero(t, st.LifetimeCreated)
	assert.Zero(t, st.LifetimeCompleted)
	assert.Equal(t, 1, ev.truncated)
	assert.Contains(t, sink.types(), history.EventReset)

	ev.set(pid, heartbeat.Evidence{LastHeartbeat: t0, Completed: 1})
	tickN(t, m, 1)
	assert.EqualValues(t, 1, m.State().LifetimeCompleted)
}

func TestResetDuringTickKeepsZeroedCounters(t *testing.T) {
	m, pool, ev := newTestManager(t, Config{Desired: 1})
	pid := pool.add(t0)
	ev.set(pid, heartbeat.Evidence{LastHeartbeat: t0, Completed: 9})
	ev.onRead = func() { require.NoError(t, m.Reset(context.Background())) }

	tickN(t, m, 1)
	assert.Zero(t, m.State().LifetimeCompleted, "pre-reset read must not land")
}

func TestResetTruncateError(t *testing.T) {
	m, _, ev := newTestManager(t, Config{})
	ev.truncErr = errors.New("read-only file system")
	err := m.Reset(context.Background())
	assert.ErrorContains(t, err, "read-only")
}

func TestTickRecoversPanic(t *testing.T) {
	m, pool, _ := newTestManager(t, Config{Desired: 1, Autostart: true})
	pool.snapPanic = true
	err := m.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan exploded")

	assert.Contains(t, m.lastErr, "panic")

	pool.snapPanic = false
	tickN(t, m, 1)
	assert.Len(t, pool.pids(), 1)
}

func TestRunRejectsSecondLoop(t *testing.T) {
	m, pool, _ := newTestManager(t, Config{Desired: 1, Autostart: true, TickInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, m.Running, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Run(ctx), ErrAlreadyRunning)
	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.LoopRunning)
	require.Eventually(t, func() bool { return len(pool.pids()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, m.Running())
}

func TestStatusAndWorker(t *testing.T) {
	m, pool, ev := newTestManager(t, Config{Desired: 2, StaleAfter: time.Minute})
	m.SetHostProbe(func(context.Context) (sysinfo.Snapshot, error) {
		return sysinfo.Snapshot{CPUPercent: 12.5, Memory: sysinfo.Usage{Used: 1, Total: 4, Percent: 25}}, errors.New("disk unavailable")
	})
	a := pool.add(t0.Add(-time.Hour))
	b := pool.add(t0.Add(-time.Hour))
	done := func(n int) []time.Time {
		out := make([]time.Time, n)
		for i := range out {
			out[i] = t0.Add(-time.Duration(n-i) * time.Minute)
		}
		return out
	}
	ev.set(a, heartbeat.Evidence{LastHeartbeat: t0.Add(-10 * time.Second), Completed: 3, CompletedAt: done(3)})
	ev.set(b, heartbeat.Evidence{LastHeartbeat: t0.Add(-2 * time.Minute), Completed: 1, CompletedAt: done(1)})
	ev.skipped = 2

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st.LiveWorkers, 2)
	assert.Equal(t, a, st.LiveWorkers[0].PID)
	assert.Equal(t, 3, st.LiveWorkers[0].Completed)
	assert.False(t, st.LiveWorkers[0].Stale)
	assert.True(t, st.LiveWorkers[1].Stale)
	assert.Equal(t, 12.5, st.CPUPercent)
	assert.Equal(t, 2, st.Desired)
	assert.True(t, st.Paused)
	assert.False(t, st.LoopRunning)
	assert.Equal(t, 2, st.MalformedLines)
	// queries report the state of the last tick and never write it
	assert.Zero(t, st.LifetimeCompleted)
	assert.Zero(t, m.State().LifetimeCompleted)

	d, err := m.Worker(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, a, d.PID)
	require.NotNil(t, d.LastHeartbeat)
	assert.Equal(t, t0.Add(-10*time.Second), *d.LastHeartbeat)

	assert.Equal(t, 3, d.Completed)
	assert.Zero(t, m.State().LifetimeCompleted)

	_, err = m.Worker(context.Background(), 12345678)
	assert.ErrorIs(t, err, ErrNoSuchWorker)

	tickN(t, m, 1)
	assert.EqualValues(t, 4, m.State().LifetimeCompleted)
}

func TestConcurrentControlAndTicks(t *testing.T) {
	m, pool, _ := newTestManager(t, Config{Desired: 4, Autostart: true})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = m.Tick(ctx)
				_ = m.SetDesired(4)
				_, _ = m.Status(ctx)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, pool.pids(), 4)
}
