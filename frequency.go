package tracemon

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// frequencyEventName carries one field per monitored core plus the minimum
// across cores, a conservative indicator of throttling.
const frequencyEventName = "cpu_frequency"

// coreSamplerState is the per-core slot shared between one worker and the
// orchestrator. frequency is written only by the owning worker and read by
// the orchestrator only after that worker's round-completion signal; the
// barrier ordering is the sole synchronization for the field.
type coreSamplerState struct {
	core      int
	frequency float64 // MHz
}

// FrequencySampler continuously measures each logical core's instantaneous
// clock frequency. One worker goroutine is pinned to each monitored core;
// an orchestrator goroutine drives measurement rounds through a two-phase
// barrier so no worker begins round R+1 before every result of round R has
// been read.
type FrequencySampler struct {
	emitter  TraceEmitter
	interval time.Duration
	clk      clock.Clock

	cores []*coreSamplerState

	// Round barrier. Each round the orchestrator releases one workStart
	// credit per live worker, then acquires one resultsDone credit per
	// live worker. The credit count must always equal len(cores); a
	// mismatch deadlocks the round.
	workStart   chan struct{}
	resultsDone chan struct{}

	// quit is observed by workers on workStart acquisition; it is set
	// only after the orchestrator has exited, so no round is in flight
	// when workers see it.
	quit atomic.Bool

	pin     func(core int) error
	measure func() float64

	stop      chan struct{}
	orchDone  chan struct{}
	workerWg  sync.WaitGroup
	closeOnce sync.Once
}

// NewFrequencySampler starts one pinned worker per monitored logical core
// plus the orchestrator. The monitored core set may legitimately be smaller
// than the hardware core count. Close must be called to stop the sampler.
func NewFrequencySampler(cfg Config, emitter TraceEmitter) (*FrequencySampler, error) {
	cores, err := monitoredCores()
	if err != nil {
		return nil, fmt.Errorf("frequency: reading monitored core set: %w", err)
	}
	return newFrequencySampler(cfg, emitter, cores, pinToCore, measureCoreFrequency, clock.New())
}

func newFrequencySampler(cfg Config, emitter TraceEmitter, coreIDs []int, pin func(int) error, measure func() float64, clk clock.Clock) (*FrequencySampler, error) {
	cfg = normalizeConfig(cfg)
	s := &FrequencySampler{
		emitter:  emitter,
		interval: cfg.FrequencyInterval,
		clk:      clk,
		// Capacity bounds the credits of one round; only live workers
		// ever receive one.
		workStart:   make(chan struct{}, len(coreIDs)),
		resultsDone: make(chan struct{}, len(coreIDs)),
		pin:         pin,
		measure:     measure,
		stop:        make(chan struct{}),
		orchDone:    make(chan struct{}),
	}

	for _, id := range coreIDs {
		st := &coreSamplerState{core: id}
		ready := make(chan error, 1)
		go s.runWorker(st, ready)
		if err := <-ready; err != nil {
			// A worker that failed to start is never counted in the
			// round credit total.
			log.WithError(err).WithField("core", id).
				Warn("frequency: sampling worker could not pin, core excluded")
			continue
		}
		s.workerWg.Add(1)
		s.cores = append(s.cores, st)
	}
	if len(s.cores) == 0 {
		return nil, errors.New("frequency: no sampling worker could be started")
	}

	log.WithField("cores", len(s.cores)).Debug("frequency: sampler started")
	go s.orchestrate()
	return s, nil
}

// Close stops the orchestrator, then releases one final round of workStart
// credits so every blocked worker observes the quit flag, and joins all
// goroutines. Latency is bounded by one in-flight round plus the interval.
func (s *FrequencySampler) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.orchDone
		s.quit.Store(true)
		for range s.cores {
			s.workStart <- struct{}{}
		}
		s.workerWg.Wait()
	})
}

func (s *FrequencySampler) orchestrate() {
	defer close(s.orchDone)
	for {
		timer := s.clk.Timer(s.interval)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.sampleRound()
	}
}

// sampleRound releases every worker, waits for every result, and forwards
// the measured frequencies.
func (s *FrequencySampler) sampleRound() {
	n := len(s.cores)
	for i := 0; i < n; i++ {
		s.workStart <- struct{}{}
	}
	for i := 0; i < n; i++ {
		<-s.resultsDone
	}

	fields := make([]Field, 0, n+1)
	minMHz := math.Inf(1)
	for _, st := range s.cores {
		fields = append(fields, Field{Name: fmt.Sprintf("cpu%02d_mhz", st.core), Value: st.frequency})
		if st.frequency < minMHz {
			minMHz = st.frequency
		}
	}
	fields = append(fields, Field{Name: "min_mhz", Value: minMHz})
	s.emitter.Emit(frequencyEventName, fields...)
}

func (s *FrequencySampler) runWorker(st *coreSamplerState, ready chan<- error) {
	// The goroutine stays locked to its OS thread for its whole life so
	// the affinity pin keeps holding.
	runtime.LockOSThread()
	if err := s.pin(st.core); err != nil {
		ready <- err
		return
	}
	ready <- nil
	defer s.workerWg.Done()

	for {
		<-s.workStart
		if s.quit.Load() {
			return
		}
		st.frequency = s.measure()
		s.resultsDone <- struct{}{}
	}
}

const (
	// spinIterations and addsPerIteration fix the cycle cost of the
	// measurement kernel: a serial dependency chain retires roughly one
	// add per cycle, so one kernel run costs about
	// spinIterations*addsPerIteration cycles.
	spinIterations   = 1 << 18
	addsPerIteration = 16
)

// spinSink keeps the kernel's result observable so the loop cannot be
// optimized away. Atomic because every worker stores into it.
var spinSink atomic.Uint64

//go:noinline
func spinKernel(iterations uint64) uint64 {
	acc := uint64(1)
	for i := uint64(0); i < iterations; i++ {
		acc += i
		acc += acc >> 1
		acc += i ^ acc
		acc += acc >> 3
		acc += i &^ acc
		acc += acc >> 5
		acc += i | acc
		acc += acc >> 7
		acc += i + acc
		acc += acc >> 2
		acc += i ^ acc
		acc += acc >> 4
		acc += i &^ acc
		acc += acc >> 6
		acc += i | acc
		acc += acc >> 8
	}
	return acc
}

// measureCoreFrequency times the fixed-cost kernel against the monotonic
// clock and derives the core's instantaneous frequency in MHz. The busy
// measurement is deliberate: the core's clock behavior under load is the
// quantity being observed. 0 is a valid result for a parked core; the
// result is never negative or non-finite.
func measureCoreFrequency() float64 {
	start := time.Now()
	spinSink.Store(spinKernel(spinIterations))
	elapsed := time.Since(start)
	if elapsed <= 0 {
		return 0
	}

	cycles := float64(uint64(spinIterations) * addsPerIteration)
	mhz := cycles / elapsed.Seconds() / 1e6
	if mhz < 0 || math.IsNaN(mhz) || math.IsInf(mhz, 0) {
		return 0
	}
	return mhz
}
