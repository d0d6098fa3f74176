package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"oai_harvester/internal/config"
	"oai_harvester/internal/domain"
	"oai_harvester/internal/metrics"
)

// UnitStore is the slice of the harvest unit store the scheduler needs.
type UnitStore interface {
	FindReady(ctx context.Context, now time.Time, interval, staleTimeout time.Duration) ([]domain.HarvestUnit, error)
	FindOldestReady(ctx context.Context, now time.Time) (*domain.HarvestUnit, error)
	FindByCollection(ctx context.Context, collectionID uuid.UUID) (*domain.HarvestUnit, error)
	Update(ctx context.Context, unit *domain.HarvestUnit) error
	ResetAll(ctx context.Context) error
}

// CycleRunner executes one harvest cycle for one collection.
type CycleRunner interface {
	Run(ctx context.Context, collectionID uuid.UUID) (*domain.CycleStats, error)
}

// RunStatus is the scheduler loop's externally visible state.
type RunStatus int

const (
	StatusStopped RunStatus = iota
	StatusRunning
	StatusSleeping
	StatusPaused
)

func (s RunStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSleeping:
		return "sleeping"
	case StatusPaused:
		return "paused"
	}
	return "stopped"
}

type signalKind int

const (
	signalPause signalKind = iota
	signalResume
	signalInsert
)

func (k signalKind) String() string {
	switch k {
	case signalPause:
		return "pause"
	case signalResume:
		return "resume"
	case signalInsert:
		return "insert"
	}
	return "none"
}

// command is one control signal sent from the facade to the loop. Kind and
// payload travel together so they can never be observed out of sync.
type command struct {
	kind         signalKind
	collectionID uuid.UUID
}

// pollTick bounds how long any scheduler wait can ignore a control signal.
const pollTick = time.Second

// Scheduler is the harvest control loop: it polls for due collections,
// launches a bounded pool of harvest cycles, computes the next wake time and
// reacts to operator signals. Stop is modeled as cancellation of the context
// handed out at Start; pause/resume/insert travel over a command channel.
//
// Exactly one loop instance may run per process; the QUEUED reservation in
// the store is the only cross-instance guard.
type Scheduler struct {
	units  UnitStore
	runner CycleRunner
	cfg    config.HarvestConfig
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	status   RunStatus
	active   int
	inserted []uuid.UUID
	lastCmd  string

	commands   chan command
	workerDone chan struct{}
	loopDone   chan struct{}
	cancel     context.CancelFunc
}

func New(units UnitStore, runner CycleRunner, cfg config.HarvestConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		units:  units,
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
	}
}

// Start launches the control loop. A running scheduler is stopped first, so
// Start doubles as a restart.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.Stop()
		s.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.commands = make(chan command, 16)
	s.workerDone = make(chan struct{}, s.cfg.MaxWorkers+1)
	s.loopDone = make(chan struct{})
	s.status = StatusRunning
	s.active = 0
	s.inserted = nil
	s.lastCmd = "none"
	s.running = true
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"max_workers", s.cfg.MaxWorkers,
	)

	go s.loop(ctx)
}

// Stop cancels the loop and any in-flight cycles (they abort at their next
// record boundary) and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.lastCmd = "stop"
	cancel := s.cancel
	done := s.loopDone
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.status = StatusStopped
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// Pause suspends scheduling after the current pass; running cycles finish.
func (s *Scheduler) Pause() {
	s.send(command{kind: signalPause})
}

// Resume lifts a pause.
func (s *Scheduler) Resume() {
	s.send(command{kind: signalResume})
}

// Insert fast-tracks one collection into the next pass regardless of its
// due time, waking the loop if it is sleeping.
func (s *Scheduler) Insert(collectionID uuid.UUID) {
	s.send(command{kind: signalInsert, collectionID: collectionID})
}

// Reset forces every configured unit back to READY and clears start times.
// Administrative escape hatch for units wedged by a crashed worker; last
// harvest dates are preserved.
func (s *Scheduler) Reset(ctx context.Context) error {
	return s.units.ResetAll(ctx)
}

// Status returns a one-line human-readable summary of the loop state.
func (s *Scheduler) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("harvest scheduler is %s (%d active workers, %d queued inserts)",
		s.status, s.active, len(s.inserted))
}

// Interrupt reports the most recent control signal, for operator display.
func (s *Scheduler) Interrupt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCmd
}

// ActiveWorkers reports the number of currently running cycles.
func (s *Scheduler) ActiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) send(cmd command) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.lastCmd = cmd.kind.String()
	commands := s.commands
	done := s.loopDone
	s.mu.Unlock()

	select {
	case commands <- cmd:
	case <-done:
	}
}

func (s *Scheduler) setStatus(status RunStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Scheduler) currentStatus() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// loop is the single control thread. One iteration = one scheduling pass:
// handle signals, reserve due units, launch workers under the concurrency
// cap, wait for the pass to drain, then sleep until the next due time.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	defer s.setStatus(StatusStopped)

	for {
		if s.drainCommands(ctx) {
			return
		}

		if s.currentStatus() == StatusPaused {
			if s.waitWhilePaused(ctx) {
				return
			}
		}

		s.setStatus(StatusRunning)

		queue := s.collectPass(ctx)

		for i := range queue {
			if s.acquireSlot(ctx) {
				return
			}
			s.startWorker(ctx, queue[i])
		}

		// One slow harvest delays the start of the next pass here. Known
		// limitation, kept for compatibility with the retry semantics
		// that depend on pass boundaries.
		if s.awaitDrain(ctx) {
			return
		}

		delay := s.nextDelay(ctx, time.Now().UTC())
		s.setStatus(StatusSleeping)
		s.logger.Debug("scheduler sleeping", "delay", delay)
		if s.sleep(ctx, delay) {
			return
		}
	}
}

// drainCommands applies every signal already queued without blocking.
// Returns true when the scheduler has been stopped.
func (s *Scheduler) drainCommands(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		default:
			return false
		}
	}
}

// collectPass reserves everything this pass should harvest: operator
// inserts first, then units due per the readiness rules, each flipped to
// QUEUED in the store so no second enqueue can happen.
func (s *Scheduler) collectPass(ctx context.Context) []uuid.UUID {
	var queue []uuid.UUID

	s.mu.Lock()
	inserted := s.inserted
	s.inserted = nil
	s.mu.Unlock()

	for _, id := range inserted {
		unit, err := s.units.FindByCollection(ctx, id)
		if err != nil || unit == nil {
			s.logger.Warn("inserted collection not found", "collection_id", id, "error", err)
			continue
		}
		if s.reserve(ctx, unit) {
			queue = append(queue, unit.CollectionID)
		}
	}

	now := time.Now().UTC()
	units, err := s.units.FindReady(ctx, now, s.cfg.Interval, s.cfg.StaleTimeout)
	if err != nil {
		s.logger.Error("failed to query ready units", "error", err)
		return queue
	}

	for i := range units {
		unit := &units[i]
		if containsID(queue, unit.CollectionID) {
			continue
		}
		if s.reserve(ctx, unit) {
			queue = append(queue, unit.CollectionID)
		}
	}

	if len(queue) > 0 {
		s.logger.Info("scheduling pass", "collections", len(queue))
	}
	return queue
}

func (s *Scheduler) reserve(ctx context.Context, unit *domain.HarvestUnit) bool {
	unit.Status = domain.StatusQueued
	if err := s.units.Update(ctx, unit); err != nil {
		s.logger.Error("failed to mark unit queued",
			"collection_id", unit.CollectionID,
			"error", err,
		)
		return false
	}
	return true
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// acquireSlot blocks until a worker slot frees up, handling control signals
// while it waits. Returns true on stop.
func (s *Scheduler) acquireSlot(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.active < s.cfg.MaxWorkers {
			s.active++
			s.mu.Unlock()
			metrics.ActiveWorkers.Inc()
			return false
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return true
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case <-s.workerDone:
		case <-time.After(pollTick):
		}
	}
}

// startWorker launches one harvest cycle. The slot was already acquired;
// releasing it is guaranteed even if the cycle panics, so a worker crash
// can never wedge the concurrency gate.
func (s *Scheduler) startWorker(ctx context.Context, collectionID uuid.UUID) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("harvest worker panicked",
					"collection_id", collectionID,
					"panic", r,
				)
				s.markCrashed(collectionID)
			}
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			metrics.ActiveWorkers.Dec()
			select {
			case s.workerDone <- struct{}{}:
			default:
			}
		}()

		if _, err := s.runner.Run(ctx, collectionID); err != nil {
			s.logger.Error("harvest cycle failed",
				"collection_id", collectionID,
				"error", err,
			)
		}
	}()
}

// markCrashed records a terminal status for a unit whose worker died
// before the cycle could persist one, so it is not left wedged in BUSY.
func (s *Scheduler) markCrashed(collectionID uuid.UUID) {
	ctx := context.Background()
	unit, err := s.units.FindByCollection(ctx, collectionID)
	if err != nil || unit == nil {
		return
	}
	unit.Status = domain.StatusUnknownError
	unit.Message = "harvest worker crashed"
	if err := s.units.Update(ctx, unit); err != nil {
		s.logger.Error("failed to record worker crash", "collection_id", collectionID, "error", err)
	}
}

// awaitDrain blocks until every worker launched this pass has finished.
func (s *Scheduler) awaitDrain(ctx context.Context) bool {
	for {
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if active == 0 {
			return false
		}

		select {
		case <-ctx.Done():
			return true
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case <-s.workerDone:
		case <-time.After(pollTick):
		}
	}
}

// waitWhilePaused polls for resume or stop; inserts received while paused
// are honored after the pause lifts.
func (s *Scheduler) waitWhilePaused(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case cmd := <-s.commands:
			if cmd.kind == signalResume {
				s.logger.Info("scheduler resumed")
				return false
			}
			s.handleCommand(cmd)
		case <-time.After(pollTick):
		}
	}
}

// sleep waits out the inter-pass delay. Any control signal wakes it early;
// stop aborts within the polling granularity regardless of the delay.
func (s *Scheduler) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case cmd := <-s.commands:
			s.handleCommand(cmd)
			// Wake early so the new signal takes effect in a fresh pass.
			return false
		case <-timer.C:
			return false
		}
	}
}

func (s *Scheduler) handleCommand(cmd command) {
	switch cmd.kind {
	case signalPause:
		s.logger.Info("scheduler paused")
		s.setStatus(StatusPaused)
	case signalResume:
		// Only meaningful while paused.
	case signalInsert:
		s.logger.Info("collection inserted for immediate harvest", "collection_id", cmd.collectionID)
		s.mu.Lock()
		s.inserted = append(s.inserted, cmd.collectionID)
		s.mu.Unlock()
	}
}

// nextDelay computes how long to sleep before the next pass: time until the
// oldest READY unit comes due, clamped between the heartbeat bounds, plus a
// second of slack. With no READY unit at all the maximum heartbeat applies.
func (s *Scheduler) nextDelay(ctx context.Context, now time.Time) time.Duration {
	delay := s.cfg.MaxHeartbeat

	oldest, err := s.units.FindOldestReady(ctx, now)
	if err != nil {
		s.logger.Error("failed to query oldest ready unit", "error", err)
	} else if oldest != nil {
		if oldest.LastHarvestDate != nil {
			delay = oldest.LastHarvestDate.Add(s.cfg.Interval).Sub(now)
		} else {
			delay = 0
		}
	}

	if delay < s.cfg.MinHeartbeat {
		delay = s.cfg.MinHeartbeat
	}
	if delay > s.cfg.MaxHeartbeat {
		delay = s.cfg.MaxHeartbeat
	}
	return delay + time.Second
}
