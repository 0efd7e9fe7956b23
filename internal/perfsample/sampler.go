package perfsample

import (
	"fmt"
	"sync"
	"time"

	"ampsched/internal/logging"
	"ampsched/internal/sched"

	"github.com/elastic/go-perf"
	"github.com/sirupsen/logrus"
)

// Counter is one opened hardware counter.
type Counter interface {
	ReadCount() (perf.Count, error)
	Close() error
}

// Opener opens a counter bound to one thread on any CPU.
type Opener func(tid int, counter perf.HardwareCounter) (Counter, error)

type eventState struct {
	value   uint64
	enabled time.Duration
	running time.Duration
}

type threadCounters struct {
	instructions Counter
	cycles       Counter

	last   [2]*eventState
	lastAt time.Time
}

// Sampler reads per-thread instruction and cycle counts and turns them into
// deltas for the controller.
type Sampler struct {
	open   Opener
	logger *logrus.Logger

	mu      sync.Mutex
	threads map[int]*threadCounters
}

func NewSampler() *Sampler {
	return newSampler(openThreadCounter)
}

func newSampler(open Opener) *Sampler {
	return &Sampler{
		open:    open,
		logger:  logging.GetLogger(),
		threads: make(map[int]*threadCounters),
	}
}

func openThreadCounter(tid int, counter perf.HardwareCounter) (Counter, error) {
	attr := &perf.Attr{}
	counter.Configure(attr)
	// Enable time tracking for multiplexing correction
	attr.CountFormat.Enabled = true
	attr.CountFormat.Running = true
	event, err := perf.Open(attr, tid, perf.AnyCPU, nil)
	if err != nil {
		return nil, err
	}
	if err := event.Enable(); err != nil {
		event.Close()
		return nil, fmt.Errorf("failed to enable perf event: %w", err)
	}
	return event, nil
}

// Attach opens counters for tid. Attaching twice is a no-op.
func (s *Sampler) Attach(tid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[tid]; ok {
		return nil
	}

	instr, err := s.open(tid, perf.Instructions)
	if err != nil {
		return fmt.Errorf("open instructions counter for %d: %w", tid, err)
	}
	cycles, err := s.open(tid, perf.CPUCycles)
	if err != nil {
		instr.Close()
		return fmt.Errorf("open cycles counter for %d: %w", tid, err)
	}
	s.threads[tid] = &threadCounters{instructions: instr, cycles: cycles}
	return nil
}

// Detach closes the counters of tid.
func (s *Sampler) Detach(tid int) {
	s.mu.Lock()
	tc, ok := s.threads[tid]
	delete(s.threads, tid)
	s.mu.Unlock()
	if ok {
		tc.close()
	}
}

// Sample returns the counts accumulated since the previous call. The first
// call after Attach only records a baseline and reports ok=false.
func (s *Sampler) Sample(tid int, now time.Time) (sched.Sample, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc, exists := s.threads[tid]
	if !exists {
		return sched.Sample{}, false, fmt.Errorf("thread %d has no counters", tid)
	}

	var deltas [2]uint64
	seeded := true
	for i, c := range []Counter{tc.instructions, tc.cycles} {
		count, err := c.ReadCount()
		if err != nil {
			return sched.Sample{}, false, err
		}
		cur := &eventState{value: count.Value, enabled: count.Enabled, running: count.Running}
		if prev := tc.last[i]; prev != nil {
			deltas[i] = scaledDelta(prev, cur)
		} else {
			seeded = false
		}
		tc.last[i] = cur
	}

	elapsed := time.Duration(0)
	if !tc.lastAt.IsZero() {
		elapsed = now.Sub(tc.lastAt)
	}
	tc.lastAt = now
	if !seeded {
		return sched.Sample{}, false, nil
	}
	return sched.Sample{Instructions: deltas[0], Cycles: deltas[1], Elapsed: elapsed}, true, nil
}

// scaledDelta applies multiplexing correction using the interval's enabled
// and running times.
func scaledDelta(prev, cur *eventState) uint64 {
	if cur.value < prev.value {
		return 0
	}
	deltaValue := cur.value - prev.value
	deltaEnabled := cur.enabled - prev.enabled
	deltaRunning := cur.running - prev.running
	if deltaRunning > 0 && deltaEnabled > 0 && deltaRunning != deltaEnabled {
		scaleFactor := float64(deltaEnabled) / float64(deltaRunning)
		return uint64(float64(deltaValue) * scaleFactor)
	}
	return deltaValue
}

func (s *Sampler) Attached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

func (s *Sampler) Close() {
	s.mu.Lock()
	threads := s.threads
	s.threads = make(map[int]*threadCounters)
	s.mu.Unlock()
	for _, tc := range threads {
		tc.close()
	}
}

func (tc *threadCounters) close() {
	tc.instructions.Close()
	tc.cycles.Close()
}
