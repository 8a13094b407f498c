// Package scheduler fires "schedule" run-mode workloads at their cron
// times. It keeps a min-heap of (next fire time, workload name) pairs
// and sleeps until the earliest one, woken early whenever the heap's
// head changes. Cron parsing and next-fire computation use
// github.com/robfig/cron/v3.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mclarkelauer/mastercontrol/internal/events"
	"github.com/mclarkelauer/mastercontrol/internal/types"
)

// Runnable is the subset of supervisor.Supervisor the Scheduler needs.
type Runnable interface {
	Start(ctx context.Context) error
	Status() types.WorkloadState
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// entry is one scheduled workload's heap slot. seq breaks ties between
// equal fire times so they release in insertion order.
type entry struct {
	name     string
	schedule cron.Schedule
	next     time.Time
	sup      Runnable
	index    int
	seq      uint64
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].seq < h[j].seq
	}
	return h[i].next.Before(h[j].next)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler fires workloads registered with Add at their cron times.
// A fire whose workload is still active from a previous firing is
// dropped, not queued, and logged via ScheduleFireDropped.
type Scheduler struct {
	mu      sync.Mutex
	byName  map[string]*entry
	heap    entryHeap
	wake    chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}
	logger  *events.EventLogger
	running bool
	metrics Recorder
	nextSeq uint64
}

// Recorder is the subset of metrics.Collector the Scheduler reports to.
type Recorder interface {
	RecordScheduleDrop(workload string)
}

// SetMetrics attaches a Recorder. Safe to call before or after Run.
func (s *Scheduler) SetMetrics(m Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// New returns an idle Scheduler. Call Run to start firing.
func New(logger *events.EventLogger) *Scheduler {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Scheduler{
		byName: make(map[string]*entry),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Add registers a workload on expr, computing its first fire time from
// now. Returns an error if expr doesn't parse.
func (s *Scheduler) Add(name, expr string, sup Runnable) error {
	sched, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %s: %w", expr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byName[name]; ok {
		heap.Remove(&s.heap, old.index)
	}
	e := &entry{name: name, schedule: sched, sup: sup, next: sched.Next(time.Now()), seq: s.nextSeq}
	s.nextSeq++
	s.byName[name] = e
	heap.Push(&s.heap, e)
	s.nudge()
	return nil
}

// Remove unregisters a workload. A no-op if it wasn't scheduled.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byName, name)
	s.nudge()
}

// nudge wakes the run loop so it recomputes its sleep against the new
// heap head. Must be called with mu held.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks, firing workloads until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	stopCh := s.stopCh
	stopped := s.stopped
	s.mu.Unlock()

	defer close(stopped)

	for {
		s.mu.Lock()
		var sleepFor time.Duration
		var due []*entry
		now := time.Now()
		for s.heap.Len() > 0 && !s.heap[0].next.After(now) {
			e := heap.Pop(&s.heap).(*entry)
			due = append(due, e)
		}
		for _, e := range due {
			e.next = e.schedule.Next(now)
			heap.Push(&s.heap, e)
		}
		if s.heap.Len() > 0 {
			sleepFor = time.Until(s.heap[0].next)
			if sleepFor < 0 {
				sleepFor = 0
			}
		} else {
			sleepFor = time.Hour
		}
		s.mu.Unlock()

		for _, e := range due {
			s.fire(e)
		}

		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) fire(e *entry) {
	if e.sup.Status().Status != types.StatusRegistered &&
		e.sup.Status().Status != types.StatusStopped &&
		e.sup.Status().Status != types.StatusFailed &&
		e.sup.Status().Status != types.StatusCompleted {
		s.logger.ScheduleFireDropped(e.name, e.next.Format(time.RFC3339))
		s.mu.Lock()
		m := s.metrics
		s.mu.Unlock()
		if m != nil {
			m.RecordScheduleDrop(e.name)
		}
		return
	}
	_ = e.sup.Start(context.Background())
}

// Stop halts the run loop. Safe to call even if Run was never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	stopped := s.stopped
	s.running = false
	s.mu.Unlock()

	close(stopCh)
	<-stopped
}
