package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"
	"audiorelay/proxypool/model"
	"audiorelay/proxypool/scraper"
	"audiorelay/proxypool/storage"

	"golang.org/x/sync/singleflight"
)

// Validator probes candidates and returns the ones that passed.
type Validator interface {
	Validate(ctx context.Context, candidates []*model.Candidate) []*model.Candidate
}

// Options tunes the pool. Zero values fall back to the defaults below.
type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	RefreshInterval  time.Duration
	MaxCandidates    int
	// MinRefreshGap throttles refreshes triggered by exhaustion.
	MinRefreshGap time.Duration
	// Override is pinned at the head of the list.
	Override string
}

func (o *Options) withDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 10 * time.Minute
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30 * time.Minute
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 50
	}
	if o.MinRefreshGap <= 0 {
		o.MinRefreshGap = time.Minute
	}
}

// OptionsFromConfig maps the [proxypool] section onto Options.
func OptionsFromConfig(cfg *types.Config) Options {
	pc := cfg.ProxyPoolConf
	return Options{
		FailureThreshold: pc.FailureThreshold,
		Cooldown:         time.Duration(pc.CooldownMin) * time.Minute,
		RefreshInterval:  time.Duration(pc.RefreshIntervalMin) * time.Minute,
		MaxCandidates:    pc.MaxCandidates,
		Override:         pc.Override,
	}
}

// Snapshot is a point-in-time copy of the pool for status endpoints.
type Snapshot struct {
	Current     string            `json:"current"`
	Candidates  []model.Candidate `json:"candidates"`
	Active      int               `json:"active"`
	Cooling     int               `json:"cooling"`
	Rotations   int64             `json:"rotations"`
	LastRefresh time.Time         `json:"last_refresh"`
}

// Manager owns the candidate list and the current index. All index and state
// changes happen under mu; network work (scrape, probe, save) never holds it.
type Manager struct {
	opts      Options
	storage   storage.Storage
	scrapers  []scraper.Scraper
	validator Validator

	mu          sync.Mutex
	candidates  []*model.Candidate
	current     int // -1 means DIRECT
	lastRefresh time.Time

	refreshGroup singleflight.Group
	rotations    atomic.Int64
	exhausted    chan struct{}
	onChange     func(Snapshot)
	now          func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a pool. storage may be nil for an in-memory pool.
func NewManager(opts Options, st storage.Storage, v Validator, scrapers ...scraper.Scraper) *Manager {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		storage:   st,
		scrapers:  scrapers,
		validator: v,
		current:   -1,
		exhausted: make(chan struct{}, 1),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	m.candidates = m.withOverride(nil)
	if len(m.candidates) > 0 {
		m.current = 0
	}
	return m
}

// AddScraper adds a source for the next refresh.
func (m *Manager) AddScraper(s scraper.Scraper) {
	m.scrapers = append(m.scrapers, s)
}

// OnChange registers a callback fired after every state change. It runs
// outside the pool lock.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Start loads the stored list, then runs the refresh scheduler until Stop.
func (m *Manager) Start() {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")

	if err := m.Load(); err != nil {
		l.Error().Err(err).Msg("Failed to load proxies from storage. Starting with an empty pool.")
	}

	m.wg.Add(1)
	go m.schedulerLoop()
}

// Load replaces the candidates with the stored list, keeping the override
// first. Stored entries are trusted as Active until the next refresh.
func (m *Manager) Load() error {
	if m.storage == nil {
		return nil
	}
	stored, err := m.storage.Load()
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return nil
	}
	m.mu.Lock()
	m.candidates = m.withOverride(stored)
	m.current = 0
	fn := m.onChange
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return nil
}

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	ticker := time.NewTicker(m.opts.RefreshInterval)
	defer ticker.Stop()

	l.Info().Dur("refresh_interval", m.opts.RefreshInterval).Msg("Scheduler initialized.")
	m.runRefresh("startup")

	for {
		select {
		case <-ticker.C:
			m.runRefresh("interval")
		case <-m.exhausted:
			m.mu.Lock()
			recent := m.now().Sub(m.lastRefresh) < m.opts.MinRefreshGap
			m.mu.Unlock()
			if recent {
				l.Debug().Msg("Pool exhausted but refreshed recently, skipping.")
				continue
			}
			m.runRefresh("exhausted")
		case <-m.ctx.Done():
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			return
		}
	}
}

func (m *Manager) runRefresh(reason string) {
	if err := m.Refresh(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Warn().Err(err).Str("reason", reason).Msg("Refresh failed.")
	}
}

// Stop halts the scheduler and persists the list.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		if err := m.save(); err != nil {
			logger.Error().Err(err).Msg("Failed to save proxies on shutdown.")
		}
		logger.Info().Msg("ProxyPool Manager gracefully stopped.")
	})
}

// Current returns the active proxy URL, or model.Direct when none is Active.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *Manager) currentLocked() string {
	if m.current < 0 || m.current >= len(m.candidates) {
		return model.Direct
	}
	c := m.candidates[m.current]
	if c.State != model.Active {
		return model.Direct
	}
	return c.Address
}

// Rotate advances to the next Active candidate unconditionally.
func (m *Manager) Rotate() string {
	m.mu.Lock()
	next := m.advanceLocked()
	snap, fn := m.snapshotLocked(), m.onChange
	m.mu.Unlock()

	m.afterChange(next, snap, fn)
	return next
}

// ReportFailure counts a failure against addr. The candidate cools after
// FailureThreshold consecutive failures. If addr is still current the pool
// rotates away from it; if another caller already rotated, the index is left
// alone so concurrent reports for the same proxy advance it only once.
func (m *Manager) ReportFailure(addr string) {
	if addr == "" || addr == model.Direct {
		return
	}
	m.mu.Lock()
	idx := m.indexLocked(addr)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	c := m.candidates[idx]
	c.ConsecutiveFailures++
	if c.State == model.Active && c.ConsecutiveFailures >= m.opts.FailureThreshold {
		c.State = model.Cooling
		c.CooledAt = m.now()
		l := logger.WithComponent("ProxyPool/Manager")
		l.Info().
			Str("proxy", logger.RedactURL(addr)).
			Int("failures", c.ConsecutiveFailures).
			Msg("Proxy cooling down.")
	}

	next := m.currentLocked()
	if idx == m.current {
		next = m.advanceLocked()
	}
	snap, fn := m.snapshotLocked(), m.onChange
	m.mu.Unlock()

	m.afterChange(next, snap, fn)
}

// ReportSuccess clears the failure streak of addr.
func (m *Manager) ReportSuccess(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexLocked(addr); idx >= 0 {
		m.candidates[idx].ConsecutiveFailures = 0
	}
}

// advanceLocked moves current to the next Active candidate after the present
// position, wrapping once. It returns the new current value.
func (m *Manager) advanceLocked() string {
	n := len(m.candidates)
	start := m.current
	if start < 0 {
		start = n - 1
	}
	m.current = -1
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		if m.candidates[idx].State == model.Active {
			m.current = idx
			break
		}
	}
	m.rotations.Add(1)
	return m.currentLocked()
}

func (m *Manager) afterChange(current string, snap Snapshot, fn func(Snapshot)) {
	if current == model.Direct {
		select {
		case m.exhausted <- struct{}{}:
		default:
		}
	}
	if fn != nil {
		fn(snap)
	}
}

func (m *Manager) indexLocked(addr string) int {
	for i, c := range m.candidates {
		if c.Address == addr {
			return i
		}
	}
	return -1
}

// Refresh scrapes every source, probes new candidates plus the existing ones
// and swaps in the result. Concurrent calls share one run.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context) error {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Starting proxy refresh cycle...")

	scraped := m.scrapeAll(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	// Copy what needs probing so the validator never touches live candidates.
	now := m.now()
	m.mu.Lock()
	known := make(map[string]bool, len(m.candidates))
	var probe []*model.Candidate
	var keepCooling []*model.Candidate
	for _, c := range m.candidates {
		known[c.Address] = true
		switch c.State {
		case model.Active:
			cp := *c
			probe = append(probe, &cp)
		case model.Cooling:
			if now.Sub(c.CooledAt) >= m.opts.Cooldown {
				cp := *c
				probe = append(probe, &cp)
			} else {
				keepCooling = append(keepCooling, c)
			}
		}
	}
	prevCurrent := m.currentLocked()
	m.mu.Unlock()

	fresh := 0
	limit := m.opts.MaxCandidates * 4
	for _, c := range scraped {
		if known[c.Address] || fresh >= limit {
			continue
		}
		known[c.Address] = true
		probe = append(probe, c)
		fresh++
	}

	passed := m.validator.Validate(ctx, probe)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if len(passed) == 0 && len(keepCooling) == 0 {
		m.lastRefresh = m.now()
		m.mu.Unlock()
		l.Warn().Int("probed", len(probe)).Msg("No proxy passed validation, keeping the previous list.")
		return nil
	}

	alive := make(map[string]bool, len(passed))
	for _, c := range passed {
		alive[c.Address] = true
	}
	for _, c := range m.candidates {
		if c.State == model.Cooling && c.Source != model.SourceOverride && !alive[c.Address] && now.Sub(c.CooledAt) >= m.opts.Cooldown {
			c.State = model.Dead
			l.Debug().Str("proxy", logger.RedactURL(c.Address)).Msg("Cooling proxy failed re-probe, dropping.")
		}
	}

	next := make([]*model.Candidate, 0, len(passed)+len(keepCooling))
	for _, c := range passed {
		if len(next) >= m.opts.MaxCandidates {
			break
		}
		next = append(next, c)
	}
	next = append(next, keepCooling...)
	m.candidates = m.withOverride(next)
	m.current = -1
	if idx := m.indexLocked(prevCurrent); idx >= 0 && m.candidates[idx].State == model.Active {
		m.current = idx
	} else {
		m.advanceLocked()
	}
	m.lastRefresh = m.now()
	snap, fn := m.snapshotLocked(), m.onChange
	m.mu.Unlock()

	l.Info().
		Int("scraped", len(scraped)).
		Int("probed", len(probe)).
		Int("active", snap.Active).
		Int("cooling", snap.Cooling).
		Str("current", logger.RedactURL(snap.Current)).
		Msg("Proxy refresh cycle finished.")

	if err := m.save(); err != nil {
		l.Error().Err(err).Msg("Failed to save proxies after refresh.")
	}
	if fn != nil {
		fn(snap)
	}
	return nil
}

func (m *Manager) scrapeAll(ctx context.Context) []*model.Candidate {
	l := logger.WithComponent("ProxyPool/Manager")

	var wg sync.WaitGroup
	scrapedChan := make(chan []*model.Candidate, len(m.scrapers))

	for _, s := range m.scrapers {
		wg.Add(1)
		go func(sc scraper.Scraper) {
			defer wg.Done()
			proxies, err := sc.Scrape(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", sc.Name()).Msg("Scraper failed.")
				return
			}
			if len(proxies) > 0 {
				scrapedChan <- proxies
			}
		}(s)
	}

	wg.Wait()
	close(scrapedChan)

	var out []*model.Candidate
	for proxies := range scrapedChan {
		out = append(out, proxies...)
	}
	return out
}

// withOverride returns list with the override candidate at index 0. A probed
// copy in list wins over the live one; the override is never dropped.
func (m *Manager) withOverride(list []*model.Candidate) []*model.Candidate {
	if m.opts.Override == "" {
		return list
	}
	pinned := findOverride(list)
	if pinned == nil {
		pinned = findOverride(m.candidates)
	}
	if pinned == nil {
		c, err := model.NewCandidate(m.opts.Override, model.SourceOverride)
		if err != nil {
			l := logger.WithComponent("ProxyPool/Manager")
			l.Error().Err(err).Msg("Ignoring malformed proxy override.")
			return list
		}
		pinned = c
	}
	out := make([]*model.Candidate, 0, len(list)+1)
	out = append(out, pinned)
	for _, c := range list {
		if c.Address != pinned.Address {
			out = append(out, c)
		}
	}
	return out
}

func findOverride(list []*model.Candidate) *model.Candidate {
	for _, c := range list {
		if c.Source == model.SourceOverride {
			return c
		}
	}
	return nil
}

// Snapshot copies the pool state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		Current:     m.currentLocked(),
		Candidates:  make([]model.Candidate, 0, len(m.candidates)),
		Rotations:   m.rotations.Load(),
		LastRefresh: m.lastRefresh,
	}
	for _, c := range m.candidates {
		s.Candidates = append(s.Candidates, *c)
		switch c.State {
		case model.Active:
			s.Active++
		case model.Cooling:
			s.Cooling++
		}
	}
	return s
}

func (m *Manager) save() error {
	if m.storage == nil {
		return nil
	}
	m.mu.Lock()
	list := make([]*model.Candidate, len(m.candidates))
	for i, c := range m.candidates {
		cp := *c
		list[i] = &cp
	}
	m.mu.Unlock()
	return m.storage.Save(list)
}
