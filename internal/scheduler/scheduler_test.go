package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"oai_harvester/internal/config"
	"oai_harvester/internal/domain"
)

// fakeUnitStore mirrors the readiness predicates of the SQL store in memory
// so scheduling behavior can be tested without a database.
type fakeUnitStore struct {
	mu         sync.Mutex
	units      map[uuid.UUID]*domain.HarvestUnit
	resetCalls int
}

func newFakeUnitStore() *fakeUnitStore {
	return &fakeUnitStore{units: make(map[uuid.UUID]*domain.HarvestUnit)}
}

func (f *fakeUnitStore) put(unit *domain.HarvestUnit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *unit
	f.units[unit.CollectionID] = &cp
}

func (f *fakeUnitStore) get(id uuid.UUID) domain.HarvestUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.units[id]
}

func (f *fakeUnitStore) due(unit *domain.HarvestUnit, now time.Time, interval, staleTimeout time.Duration) bool {
	if unit.HarvestType == domain.HarvestNone || unit.OAISource == nil || unit.OAISetID == nil {
		return false
	}
	if unit.LastHarvestDate != nil && !unit.LastHarvestDate.Before(now.Add(-interval)) {
		return false
	}
	switch unit.Status {
	case domain.StatusReady, domain.StatusOAIError:
		return true
	case domain.StatusBusy:
		return unit.HarvestStartTime != nil && unit.HarvestStartTime.Before(now.Add(-2*staleTimeout))
	}
	return false
}

func (f *fakeUnitStore) FindReady(ctx context.Context, now time.Time, interval, staleTimeout time.Duration) ([]domain.HarvestUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.HarvestUnit
	for _, unit := range f.units {
		if f.due(unit, now, interval, staleTimeout) {
			out = append(out, *unit)
		}
	}
	return out, nil
}

func (f *fakeUnitStore) FindOldestReady(ctx context.Context, now time.Time) (*domain.HarvestUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *domain.HarvestUnit
	for _, unit := range f.units {
		if unit.Status != domain.StatusReady || unit.HarvestType == domain.HarvestNone {
			continue
		}
		if oldest == nil {
			oldest = unit
			continue
		}
		if unit.LastHarvestDate == nil {
			oldest = unit
		} else if oldest.LastHarvestDate != nil && unit.LastHarvestDate.Before(*oldest.LastHarvestDate) {
			oldest = unit
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func (f *fakeUnitStore) FindByCollection(ctx context.Context, collectionID uuid.UUID) (*domain.HarvestUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unit, ok := f.units[collectionID]
	if !ok {
		return nil, nil
	}
	cp := *unit
	return &cp, nil
}

func (f *fakeUnitStore) Update(ctx context.Context, unit *domain.HarvestUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *unit
	f.units[unit.CollectionID] = &cp
	return nil
}

func (f *fakeUnitStore) ResetAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	for _, unit := range f.units {
		if unit.HarvestType != domain.HarvestNone {
			unit.Status = domain.StatusReady
			unit.HarvestStartTime = nil
		}
	}
	return nil
}

// fakeRunner stands in for a harvest cycle: it tracks concurrency, simulates
// work and flips the unit back to READY the way a real cycle would.
type fakeRunner struct {
	store *fakeUnitStore
	delay time.Duration

	mu            sync.Mutex
	running       int
	maxConcurrent int
	runs          []uuid.UUID
}

func (r *fakeRunner) Run(ctx context.Context, collectionID uuid.UUID) (*domain.CycleStats, error) {
	r.mu.Lock()
	r.running++
	if r.running > r.maxConcurrent {
		r.maxConcurrent = r.running
	}
	r.runs = append(r.runs, collectionID)
	r.mu.Unlock()

	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}

	now := time.Now().UTC()
	unit, _ := r.store.FindByCollection(ctx, collectionID)
	if unit != nil {
		unit.Status = domain.StatusReady
		unit.LastHarvestDate = &now
		_ = r.store.Update(ctx, unit)
	}

	r.mu.Lock()
	r.running--
	r.mu.Unlock()

	return &domain.CycleStats{CollectionID: collectionID}, nil
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *fakeRunner) peakConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxConcurrent
}

type SchedulerTestSuite struct {
	suite.Suite
	store  *fakeUnitStore
	runner *fakeRunner
	logger *slog.Logger
}

func (s *SchedulerTestSuite) SetupTest() {
	s.store = newFakeUnitStore()
	s.runner = &fakeRunner{store: s.store, delay: 20 * time.Millisecond}
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) newScheduler(cfg config.HarvestConfig) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.MinHeartbeat == 0 {
		cfg.MinHeartbeat = 5 * time.Second
	}
	if cfg.MaxHeartbeat == 0 {
		cfg.MaxHeartbeat = 10 * time.Second
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = 24 * time.Hour
	}
	return New(s.store, s.runner, cfg, s.logger)
}

func (s *SchedulerTestSuite) dueUnit() *domain.HarvestUnit {
	source := "http://oai.example.org/request"
	set := domain.OAISetAll
	old := time.Now().UTC().Add(-48 * time.Hour)
	return &domain.HarvestUnit{
		CollectionID:    uuid.New(),
		HarvestType:     domain.HarvestMetadataOnly,
		OAISource:       &source,
		OAISetID:        &set,
		MetadataFormat:  "dc",
		Status:          domain.StatusReady,
		LastHarvestDate: &old,
	}
}

func (s *SchedulerTestSuite) TestHarvestsDueUnits() {
	first := s.dueUnit()
	second := s.dueUnit()
	s.store.put(first)
	s.store.put(second)

	sched := s.newScheduler(config.HarvestConfig{})
	sched.Start()
	defer sched.Stop()

	s.Eventually(func() bool { return s.runner.runCount() == 2 }, 3*time.Second, 10*time.Millisecond)

	s.Eventually(func() bool {
		return s.store.get(first.CollectionID).Status == domain.StatusReady &&
			s.store.get(second.CollectionID).Status == domain.StatusReady
	}, 3*time.Second, 10*time.Millisecond)
	s.NotNil(s.store.get(first.CollectionID).LastHarvestDate)
}

func (s *SchedulerTestSuite) TestWorkerCap() {
	for i := 0; i < 6; i++ {
		s.store.put(s.dueUnit())
	}
	s.runner.delay = 60 * time.Millisecond

	sched := s.newScheduler(config.HarvestConfig{MaxWorkers: 2})
	sched.Start()
	defer sched.Stop()

	s.Eventually(func() bool { return s.runner.runCount() == 6 }, 5*time.Second, 10*time.Millisecond)
	s.LessOrEqual(s.runner.peakConcurrency(), 2)
}

func (s *SchedulerTestSuite) TestStopLatencyWhileSleeping() {
	// Nothing due, so after one empty pass the loop sleeps for at least
	// the minimum heartbeat.
	sched := s.newScheduler(config.HarvestConfig{MinHeartbeat: 5 * time.Second, MaxHeartbeat: 10 * time.Second})
	sched.Start()

	s.Eventually(func() bool { return sched.Status() == "harvest scheduler is sleeping (0 active workers, 0 queued inserts)" },
		2*time.Second, 10*time.Millisecond)

	started := time.Now()
	sched.Stop()
	s.Less(time.Since(started), time.Second)
	s.Contains(sched.Status(), "stopped")
}

func (s *SchedulerTestSuite) TestInsertWakesSleepingScheduler() {
	// Recently harvested, so not due on its own for another hour.
	unit := s.dueUnit()
	recent := time.Now().UTC()
	unit.LastHarvestDate = &recent
	s.store.put(unit)

	sched := s.newScheduler(config.HarvestConfig{MinHeartbeat: 5 * time.Second, MaxHeartbeat: 10 * time.Second})
	sched.Start()
	defer sched.Stop()

	s.Eventually(func() bool { return sched.Status() != "" && sched.ActiveWorkers() == 0 }, time.Second, 10*time.Millisecond)

	sched.Insert(unit.CollectionID)

	s.Eventually(func() bool { return s.runner.runCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	s.Equal("insert", sched.Interrupt())
}

func (s *SchedulerTestSuite) TestRetriesAfterOAIError() {
	unit := s.dueUnit()
	unit.Status = domain.StatusOAIError
	s.store.put(unit)

	sched := s.newScheduler(config.HarvestConfig{})
	sched.Start()
	defer sched.Stop()

	s.Eventually(func() bool { return s.runner.runCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func (s *SchedulerTestSuite) TestSkipsUnknownErrorUnits() {
	unit := s.dueUnit()
	unit.Status = domain.StatusUnknownError
	s.store.put(unit)

	sched := s.newScheduler(config.HarvestConfig{})
	sched.Start()
	defer sched.Stop()

	time.Sleep(300 * time.Millisecond)
	s.Equal(0, s.runner.runCount())
}

func (s *SchedulerTestSuite) TestReclaimsStaleBusyUnit() {
	unit := s.dueUnit()
	unit.Status = domain.StatusBusy
	stale := time.Now().UTC().Add(-72 * time.Hour)
	unit.HarvestStartTime = &stale
	s.store.put(unit)

	sched := s.newScheduler(config.HarvestConfig{StaleTimeout: 24 * time.Hour})
	sched.Start()
	defer sched.Stop()

	s.Eventually(func() bool { return s.runner.runCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func (s *SchedulerTestSuite) TestPauseAndResume() {
	sched := s.newScheduler(config.HarvestConfig{MinHeartbeat: time.Second, MaxHeartbeat: 2 * time.Second})
	sched.Start()
	defer sched.Stop()

	sched.Pause()
	s.Eventually(func() bool { return sched.Status() == "harvest scheduler is paused (0 active workers, 0 queued inserts)" },
		3*time.Second, 10*time.Millisecond)

	// Becomes due while paused; must not be picked up.
	unit := s.dueUnit()
	s.store.put(unit)
	time.Sleep(300 * time.Millisecond)
	s.Equal(0, s.runner.runCount())

	sched.Resume()
	s.Eventually(func() bool { return s.runner.runCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func (s *SchedulerTestSuite) TestRestart() {
	sched := s.newScheduler(config.HarvestConfig{})
	sched.Start()
	sched.Stop()

	s.store.put(s.dueUnit())
	sched.Start()
	defer sched.Stop()

	s.Eventually(func() bool { return s.runner.runCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func (s *SchedulerTestSuite) TestReset() {
	unit := s.dueUnit()
	unit.Status = domain.StatusUnknownError
	start := time.Now().UTC()
	unit.HarvestStartTime = &start
	s.store.put(unit)

	sched := s.newScheduler(config.HarvestConfig{})
	s.NoError(sched.Reset(context.Background()))

	got := s.store.get(unit.CollectionID)
	s.Equal(domain.StatusReady, got.Status)
	s.Nil(got.HarvestStartTime)
	s.Equal(1, s.store.resetCalls)
}
