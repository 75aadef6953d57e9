// Package lane serialises agent work per conversation. Each context id gets
// its own lane: turns in one lane run strictly in order, while a fixed worker
// pool drives independent lanes concurrently, picking the lane that has
// waited longest whenever workers are contended.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	DefaultWorkers = 8
	DefaultLaneCap = 32
)

var (
	// ErrLaneSaturated is returned when a lane's queue is at capacity; the
	// caller should tell the user the conversation is busy.
	ErrLaneSaturated = errors.New("lane: queue is full")

	ErrShutdown = errors.New("lane: scheduler stopped")
)

// Turn is one unit of scheduled work.
type Turn struct {
	ContextID string
	Run       func(ctx context.Context) (interface{}, error)
}

// Outcome is delivered on the channel returned by Enqueue.
type Outcome struct {
	Value interface{}
	Err   error
}

// Admission reports where an accepted turn landed.
type Admission struct {
	Position  int // 0 = next in its lane
	LaneDepth int // queued turns in the lane, including this one
}

// Stats is a point-in-time snapshot for /api/status.
type Stats struct {
	Lanes   int `json:"lanes"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Workers int `json:"workers"`
}

type job struct {
	ctx  context.Context
	turn Turn
	out  chan Outcome
}

type laneState struct {
	queue      []*job
	running    bool
	lastServed time.Time
}

// Scheduler owns the lanes and the worker pool.
type Scheduler struct {
	workers int
	laneCap int

	mu     sync.Mutex
	cond   *sync.Cond
	lanes  map[string]*laneState
	closed bool

	wg sync.WaitGroup
}

// Config tunes a scheduler; zero values take the defaults.
type Config struct {
	Workers int
	LaneCap int
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.LaneCap <= 0 {
		cfg.LaneCap = DefaultLaneCap
	}
	s := &Scheduler{
		workers: cfg.Workers,
		laneCap: cfg.LaneCap,
		lanes:   make(map[string]*laneState),
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.worker()
	}
	return s
}

// Enqueue admits a turn into its context's lane. The returned channel
// receives exactly one Outcome.
func (s *Scheduler) Enqueue(ctx context.Context, turn Turn) (Admission, <-chan Outcome, error) {
	if turn.ContextID == "" || turn.Run == nil {
		return Admission{}, nil, errors.New("lane: turn needs a context id and a run func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Admission{}, nil, ErrShutdown
	}

	ls := s.lanes[turn.ContextID]
	if ls == nil {
		ls = &laneState{}
		s.lanes[turn.ContextID] = ls
	}
	if len(ls.queue) >= s.laneCap {
		return Admission{}, nil, fmt.Errorf("%w: context %s has %d queued turns", ErrLaneSaturated, turn.ContextID, len(ls.queue))
	}

	j := &job{ctx: ctx, turn: turn, out: make(chan Outcome, 1)}
	ls.queue = append(ls.queue, j)
	adm := Admission{Position: len(ls.queue) - 1, LaneDepth: len(ls.queue)}

	s.cond.Signal()
	return adm, j.out, nil
}

// Stats snapshots lane occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Lanes: len(s.lanes), Workers: s.workers}
	for _, ls := range s.lanes {
		st.Queued += len(ls.queue)
		if ls.running {
			st.Running++
		}
	}
	return st
}

// Shutdown stops admitting work, fails queued turns with ErrShutdown, and
// waits up to timeout for in-flight turns to finish.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ls := range s.lanes {
		for _, j := range ls.queue {
			j.out <- Outcome{Err: ErrShutdown}
		}
		ls.queue = nil
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("lane: shutdown timed out with turns still running")
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var (
			pick   *laneState
			pickID string
		)
		for {
			pick, pickID = s.nextLaneLocked()
			if pick != nil || s.closed {
				break
			}
			s.cond.Wait()
		}
		if pick == nil {
			s.mu.Unlock()
			return
		}

		j := pick.queue[0]
		pick.queue = pick.queue[1:]
		pick.running = true
		s.mu.Unlock()

		j.out <- s.run(j)

		s.mu.Lock()
		pick.running = false
		pick.lastServed = time.Now()
		if len(pick.queue) == 0 {
			delete(s.lanes, pickID)
		}
		s.cond.Signal()
		s.mu.Unlock()
	}
}

// nextLaneLocked picks the eligible lane that was served least recently.
// Caller holds s.mu.
func (s *Scheduler) nextLaneLocked() (*laneState, string) {
	var (
		best   *laneState
		bestID string
	)
	for id, ls := range s.lanes {
		if ls.running || len(ls.queue) == 0 {
			continue
		}
		if best == nil || ls.lastServed.Before(best.lastServed) {
			best, bestID = ls, id
		}
	}
	return best, bestID
}

func (s *Scheduler) run(j *job) (out Outcome) {
	if err := j.ctx.Err(); err != nil {
		return Outcome{Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("lane.turn_panicked",
				"context_id", j.turn.ContextID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = Outcome{Err: fmt.Errorf("lane: turn panicked: %v", r)}
		}
	}()

	v, err := j.turn.Run(j.ctx)
	return Outcome{Value: v, Err: err}
}
