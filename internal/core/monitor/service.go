// Package monitor drives polling of every monitoring task and applies
// the auto-draw policy on new-winner events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"biliwatch/internal/core/draw"
	"biliwatch/internal/core/task"
	"biliwatch/internal/core/winner"
	"biliwatch/internal/logger"
	"biliwatch/internal/platform/bili"
)

type Poller interface {
	Poll(ctx context.Context, sid string) (winner.Snapshot, error)
}

type Coordinator interface {
	Allowance(ctx context.Context, sid string) (int, *bili.MyTimes, error)
	Draw(ctx context.Context, sid string, num int) draw.Outcome
}

var ErrAlreadyRunning = errors.New("monitoring already running")

// Service runs one scheduler loop at a time. Each pass visits the
// monitoring tasks exactly once, in a fixed order captured at the start
// of the pass; a stop signal is honored between tasks, never mid-poll.
//
// The staleness window compares the platform-reported winner timestamp
// against the local clock; skew between the two is an accepted risk and
// not corrected for.
type Service struct {
	store  *task.Store
	poller Poller
	coord  Coordinator
	log    *logger.Logger

	taskDelay   time.Duration
	passDelay   time.Duration
	staleWindow time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	inflight map[string]struct{}
}

type Options struct {
	TaskDelay   time.Duration
	PassDelay   time.Duration
	StaleWindow time.Duration
}

func New(store *task.Store, poller Poller, coord Coordinator, opts Options) *Service {
	return &Service{
		store:       store,
		poller:      poller,
		coord:       coord,
		log:         logger.New("MonitorService"),
		taskDelay:   opts.TaskDelay,
		passDelay:   opts.PassDelay,
		staleWindow: opts.StaleWindow,
		now:         time.Now,
		sleep:       sleepCtx,
		inflight:    make(map[string]struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Start flips every ready task with a resolved promotion id to
// monitoring and launches the scheduler loop.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	count := 0
	for _, t := range s.store.List() {
		if t.Status != task.StatusReady || t.SID == "" {
			continue
		}
		s.store.Update(t.ID, func(t *task.Task) {
			t.Status = task.StatusMonitoring
			t.CheckCount = 0
			t.Error = ""
		})
		count++
	}
	s.log.LogInfof("monitoring started with %d tasks", count)
	go s.run(stop)
	return nil
}

// Stop raises the global stop signal. The in-progress poll, if any,
// completes; no further tasks or passes start. Monitoring tasks return
// to ready with their identifiers intact.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	for _, t := range s.store.ListMonitoring() {
		s.store.Update(t.ID, func(t *task.Task) { t.Status = task.StatusReady })
	}
	s.log.LogInfo("monitoring stopped")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (s *Service) run(stop chan struct{}) {
	ctx := context.Background()
	for {
		if s.stopped(stop) {
			return
		}
		pass := s.store.ListMonitoring()
		if len(pass) == 0 {
			s.log.LogInfo("no monitoring tasks remain, scheduler exiting")
			s.mu.Lock()
			if !s.stopped(stop) {
				s.running = false
			}
			s.mu.Unlock()
			return
		}
		for i, t := range pass {
			if s.stopped(stop) {
				return
			}
			// Removal or a terminal transition takes effect on the
			// task's next scheduled visit.
			cur, ok := s.store.Get(t.ID)
			if !ok || cur.Status != task.StatusMonitoring {
				continue
			}
			s.pollTask(ctx, cur)
			if i < len(pass)-1 {
				s.sleep(ctx, s.taskDelay)
			}
		}
		if s.stopped(stop) {
			return
		}
		s.sleep(ctx, s.passDelay)
	}
}

func (s *Service) pollTask(ctx context.Context, t task.Task) {
	snap, err := s.poller.Poll(ctx, t.SID)
	now := s.now().Unix()

	if err != nil {
		// Transient: keep monitoring, the next pass retries
		s.log.LogWarnf("poll failed for %q (sid=%s): %v", t.Name, t.SID, err)
		s.store.Update(t.ID, func(t *task.Task) {
			t.LastCheck = now
			t.CheckCount++
			t.Error = err.Error()
			t.Record(now, task.ActionError, fmt.Sprintf("poll failed: %v", err), nil)
		})
		return
	}

	if snap.Ended {
		s.log.LogInfof("promotion ended for %q (sid=%s)", t.Name, t.SID)
		s.store.Update(t.ID, func(t *task.Task) {
			t.Status = task.StatusEnded
			t.LastCheck = now
			t.CheckCount++
			t.Error = ""
			t.Record(now, task.ActionEnded, "promotion ended", nil)
		})
		return
	}

	if snap.Winner == nil {
		s.store.Update(t.ID, func(t *task.Task) {
			t.LastWinner = nil
			t.LastCheck = now
			t.CheckCount++
			t.Error = ""
		})
		return
	}

	w := *snap.Winner
	prev := t.LastWinner
	s.store.Update(t.ID, func(t *task.Task) {
		t.LastWinner = &w
		t.LastCheck = now
		t.CheckCount++
		t.Error = ""
	})

	// Same platform timestamp means same winner, even if other fields
	// changed.
	if prev != nil && prev.CTime == w.CTime {
		return
	}
	s.log.LogInfof("new winner for %q (sid=%s): %s at %d", t.Name, t.SID, w.Name, w.CTime)
	go s.autoDraw(ctx, t.ID, t.SID, w)
}

// autoDraw evaluates the auto-draw policy for one new-winner event.
func (s *Service) autoDraw(ctx context.Context, id, sid string, w task.Winner) {
	age := s.now().Unix() - w.CTime
	if age > int64(s.staleWindow.Seconds()) {
		s.log.LogDebugf("winner for sid=%s is %ds old, outside the draw window", sid, age)
		return
	}

	// Best-effort de-duplication: a poll response can arrive while a
	// previous policy invocation is still awaiting the platform.
	s.mu.Lock()
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		s.log.LogDebugf("auto-draw already running for task %s", id)
		return
	}
	s.inflight[id] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}()

	times, info, err := s.coord.Allowance(ctx, sid)
	if err != nil {
		s.log.LogWarnf("allowance check failed for sid=%s: %v", sid, err)
		s.store.Update(id, func(t *task.Task) {
			t.Record(s.now().Unix(), task.ActionError, fmt.Sprintf("allowance check failed: %v", err), nil)
		})
		return
	}
	s.store.Update(id, func(t *task.Task) { t.Allowance = info })

	if times <= 0 {
		s.log.LogInfof("no draws remaining for sid=%s, stopping task", sid)
		s.store.Update(id, func(t *task.Task) {
			t.Status = task.StatusInsufficient
			t.Record(s.now().Unix(), task.ActionInsufficient, "no draws remaining", nil)
		})
		return
	}

	// Spend the whole remaining allowance in one call. Monitoring stops
	// either way: the allowance is consumed or the promotion is gone.
	out := s.coord.Draw(ctx, sid, times)
	s.store.Update(id, func(t *task.Task) {
		t.Status = task.StatusDrawn
		t.Record(s.now().Unix(), actionKind(out.Kind), out.Message, out.Raw)
	})
	s.log.LogInfof("auto-draw for sid=%s finished: %s", sid, out.Message)
}

func actionKind(k draw.OutcomeKind) task.ActionKind {
	switch k {
	case draw.OutcomeSuccess:
		return task.ActionSuccess
	case draw.OutcomeInsufficient:
		return task.ActionInsufficient
	case draw.OutcomeEnded:
		return task.ActionEnded
	case draw.OutcomePlatformError:
		return task.ActionPlatformError
	default:
		return task.ActionError
	}
}
