package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"audiorelay/proxypool/model"
)

// fakeValidator passes every candidate whose address is in ok.
type fakeValidator struct {
	mu    sync.Mutex
	ok    map[string]bool
	calls atomic.Int32
	gate  chan struct{}
}

func newFakeValidator(ok ...string) *fakeValidator {
	v := &fakeValidator{ok: make(map[string]bool)}
	for _, a := range ok {
		v.ok[a] = true
	}
	return v
}

func (v *fakeValidator) Validate(ctx context.Context, in []*model.Candidate) []*model.Candidate {
	v.calls.Add(1)
	if v.gate != nil {
		<-v.gate
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*model.Candidate
	for _, c := range in {
		if v.ok[c.Address] {
			c.State = model.Active
			c.ConsecutiveFailures = 0
			out = append(out, c)
		}
	}
	return out
}

type fakeScraper struct {
	addrs []string
}

func (s *fakeScraper) Name() string { return "fake" }

func (s *fakeScraper) Scrape(ctx context.Context) ([]*model.Candidate, error) {
	var out []*model.Candidate
	for _, a := range s.addrs {
		c, err := model.NewCandidate(a, s.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type memStorage struct {
	mu    sync.Mutex
	list  []*model.Candidate
	saved []string
}

func (s *memStorage) Load() ([]*model.Candidate, error) { return s.list, nil }

func (s *memStorage) Save(list []*model.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = s.saved[:0]
	for _, c := range list {
		s.saved = append(s.saved, c.Address)
	}
	return nil
}

const (
	proxyA = "http://10.0.0.1:8080"
	proxyB = "http://10.0.0.2:8080"
	proxyC = "http://10.0.0.3:8080"
)

// seeded returns a manager whose list is exactly addrs, all Active, current at 0.
func seeded(t *testing.T, opts Options, addrs ...string) *Manager {
	t.Helper()
	m := NewManager(opts, nil, newFakeValidator(addrs...), &fakeScraper{addrs: addrs})
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("seed refresh: %v", err)
	}
	if len(m.Snapshot().Candidates) != len(addrs) {
		t.Fatalf("seeded %d candidates, want %d", len(m.Snapshot().Candidates), len(addrs))
	}
	return m
}

func TestCurrent_EmptyPoolIsDirect(t *testing.T) {
	m := NewManager(Options{}, nil, newFakeValidator())
	if got := m.Current(); got != model.Direct {
		t.Fatalf("Current() = %q, want DIRECT", got)
	}
	if got := m.Rotate(); got != model.Direct {
		t.Fatalf("Rotate() on empty pool = %q, want DIRECT", got)
	}
}

func TestReportFailure_CoolsAfterThreshold(t *testing.T) {
	m := seeded(t, Options{FailureThreshold: 3}, proxyA)

	for i := 0; i < 2; i++ {
		m.ReportFailure(proxyA)
		if got := m.Current(); got != proxyA {
			t.Fatalf("after %d failures Current() = %q, want %q", i+1, got, proxyA)
		}
	}
	m.ReportFailure(proxyA)
	if got := m.Current(); got != model.Direct {
		t.Fatalf("after threshold Current() = %q, want DIRECT", got)
	}

	select {
	case <-m.exhausted:
	default:
		t.Fatal("exhaustion was not signalled")
	}

	snap := m.Snapshot()
	if snap.Cooling != 1 || snap.Active != 0 {
		t.Errorf("snapshot active=%d cooling=%d, want 0/1", snap.Active, snap.Cooling)
	}
}

func TestReportFailure_RotatesOnlyIfStillCurrent(t *testing.T) {
	m := seeded(t, Options{FailureThreshold: 5}, proxyA, proxyB, proxyC)

	first := m.Current()
	m.ReportFailure(first)
	second := m.Current()
	if second == first {
		t.Fatalf("failure on current did not rotate")
	}
	// A late report for the proxy that was already rotated away from.
	m.ReportFailure(first)
	if got := m.Current(); got != second {
		t.Fatalf("stale failure moved current from %q to %q", second, got)
	}
}

func TestReportSuccess_ResetsStreak(t *testing.T) {
	m := seeded(t, Options{FailureThreshold: 2}, proxyA, proxyB)

	m.ReportFailure(proxyA)
	m.ReportSuccess(proxyA)
	m.Rotate() // back to A
	if m.Current() != proxyA {
		t.Fatalf("expected to be back on %s", proxyA)
	}
	m.ReportFailure(proxyA)
	for _, c := range m.Snapshot().Candidates {
		if c.Address == proxyA && c.State != model.Active {
			t.Fatalf("one failure after success cooled the proxy")
		}
	}
}

func TestRotate_SkipsCoolingAndWraps(t *testing.T) {
	m := seeded(t, Options{FailureThreshold: 1}, proxyA, proxyB, proxyC)

	start := m.Current()
	m.ReportFailure(start) // cools start, moves on

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		cur := m.Rotate()
		if cur == start {
			t.Fatalf("rotation returned cooling candidate %s", start)
		}
		seen[cur] = true
	}
	if len(seen) != 2 {
		t.Errorf("rotation visited %v, want the two active candidates", seen)
	}
}

func TestConcurrentReportsKeepIndexValid(t *testing.T) {
	addrs := make([]string, 8)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("http://10.1.0.%d:3128", i+1)
	}
	m := seeded(t, Options{FailureThreshold: 1000}, addrs...)
	valid := map[string]bool{model.Direct: true}
	for _, a := range addrs {
		valid[a] = true
	}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				switch i % 3 {
				case 0:
					m.ReportFailure(m.Current())
				case 1:
					m.Rotate()
				default:
					if cur := m.Current(); !valid[cur] {
						t.Errorf("Current() returned unknown %q", cur)
					}
				}
			}
		}(g)
	}
	wg.Wait()

	if cur := m.Current(); cur == model.Direct {
		t.Fatal("pool with active candidates reported DIRECT")
	}
}

func TestRefresh_OverridePinnedFirst(t *testing.T) {
	override := "http://203.0.113.9:3128"
	v := newFakeValidator(proxyA, proxyB)
	m := NewManager(Options{Override: override}, nil, v, &fakeScraper{addrs: []string{proxyA, proxyB}})

	if got := m.Current(); got != override {
		t.Fatalf("before refresh Current() = %q, want override", got)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if len(snap.Candidates) != 3 || snap.Candidates[0].Address != override {
		t.Fatalf("override not pinned first: %+v", snap.Candidates)
	}
	if snap.Current != override {
		t.Errorf("refresh moved current off the override to %q", snap.Current)
	}
}

func TestRefresh_KeepsListWhenNothingPasses(t *testing.T) {
	m := seeded(t, Options{}, proxyA, proxyB)
	m.validator = newFakeValidator()

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(m.Snapshot().Candidates); got != 2 {
		t.Fatalf("empty validation wiped the pool: %d candidates left", got)
	}
}

func TestRefresh_ReprobesCoolingAfterCooldown(t *testing.T) {
	m := seeded(t, Options{FailureThreshold: 1, Cooldown: time.Minute}, proxyA, proxyB)
	m.ReportFailure(proxyA)
	m.ReportFailure(proxyB)
	if m.Current() != model.Direct {
		t.Fatal("expected DIRECT with both cooling")
	}

	// Inside the cooldown the cooling candidates are left alone.
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Snapshot().Cooling != 2 {
		t.Fatal("cooling candidates re-probed before cooldown elapsed")
	}

	// After the cooldown A recovers and B fails its probe and is dropped.
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	m.validator = newFakeValidator(proxyA)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if snap.Current != proxyA {
		t.Fatalf("Current() = %q after re-probe, want %s", snap.Current, proxyA)
	}
	if len(snap.Candidates) != 1 {
		t.Fatalf("dead candidate not dropped: %+v", snap.Candidates)
	}
}

func TestRefresh_SingleFlight(t *testing.T) {
	v := newFakeValidator(proxyA)
	v.gate = make(chan struct{})
	m := NewManager(Options{}, nil, v, &fakeScraper{addrs: []string{proxyA}})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Refresh(context.Background())
		}()
	}
	// Let the goroutines pile up on the in-flight run before releasing it.
	time.Sleep(100 * time.Millisecond)
	close(v.gate)
	wg.Wait()

	if n := v.calls.Load(); n != 1 {
		t.Fatalf("validator ran %d times, want 1", n)
	}
}

func TestStartLoadsAndStopSaves(t *testing.T) {
	a, _ := model.NewCandidate(proxyA, "storage")
	st := &memStorage{list: []*model.Candidate{a}}
	v := newFakeValidator(proxyA, proxyB)
	m := NewManager(Options{RefreshInterval: time.Hour}, st, v, &fakeScraper{addrs: []string{proxyB}})

	var changes atomic.Int32
	m.OnChange(func(Snapshot) { changes.Add(1) })

	m.Start()
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Snapshot().Candidates) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	m.Stop()

	if got := m.Current(); got != proxyA {
		t.Errorf("Current() = %q, want the stored proxy to stay current", got)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.saved) != 2 {
		t.Fatalf("saved %v, want both proxies", st.saved)
	}
	if changes.Load() == 0 {
		t.Error("OnChange never fired")
	}
}

func TestLoad_PinsOverrideWithoutScheduler(t *testing.T) {
	b, _ := model.NewCandidate(proxyB, "storage")
	st := &memStorage{list: []*model.Candidate{b}}
	m := NewManager(Options{Override: proxyA}, st, newFakeValidator(), &fakeScraper{})

	var last Snapshot
	m.OnChange(func(s Snapshot) { last = s })

	if err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	snap := m.Snapshot()
	if len(snap.Candidates) != 2 || snap.Candidates[0].Address != proxyA {
		t.Fatalf("candidates = %+v, want override first then stored", snap.Candidates)
	}
	if m.Current() != proxyA {
		t.Errorf("Current() = %q, want override", m.Current())
	}
	if last.Current != proxyA {
		t.Errorf("OnChange snapshot current = %q, want %q", last.Current, proxyA)
	}
	if !snap.LastRefresh.IsZero() {
		t.Error("Load must not count as a refresh")
	}
}
