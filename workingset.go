package tracemon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

const (
	// pssUnitsPerPage is the fixed-point multiplier for PSS accounting.
	// As the LCM of 1..7 it lets every supported share count divide out
	// without loss of precision: an unshared page adds 420 units, a page
	// shared by seven processes adds 420/7.
	pssUnitsPerPage = 420
	// maxShareCount is the largest share count the accounting records.
	// Larger counts are clamped so the exact-integer property holds.
	maxShareCount = 7

	// kbPerPage converts 4 KiB pages to kilobytes in emitted events.
	kbPerPage = 4
)

// totalEventName is the aggregate event emitted after the per-process
// events of a pass.
const totalEventName = "Total"

// WorkingSetSampler periodically reports private resident memory, exact
// proportional set size, and total resident memory for every process
// selected by its filter, plus an aggregate total.
type WorkingSetSampler struct {
	emitter  TraceEmitter
	enum     ProcessEnumerator
	opener   ProcessOpener
	interval time.Duration
	clk      clock.Clock

	bufferEntries int

	// mu guards filter and is held for the full duration of a sampling
	// pass, so a pass always sees one atomic filter snapshot and a
	// filter update is serialized behind any in-flight pass.
	mu     sync.Mutex
	filter processFilter

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWorkingSetSampler builds a sampler backed by the platform process
// enumeration and residency primitives and starts its background
// goroutine. Close must be called to stop it.
func NewWorkingSetSampler(cfg Config, emitter TraceEmitter) (*WorkingSetSampler, error) {
	enum, opener, err := newPlatformProcessScanner()
	if err != nil {
		return nil, fmt.Errorf("working set: %w", err)
	}
	s := newWorkingSetSampler(cfg, emitter, enum, opener, clock.New())
	s.start()
	return s, nil
}

// newWorkingSetSampler builds the sampler without starting it. Tests drive
// samplePass directly or call start.
func newWorkingSetSampler(cfg Config, emitter TraceEmitter, enum ProcessEnumerator, opener ProcessOpener, clk clock.Clock) *WorkingSetSampler {
	cfg = normalizeConfig(cfg)
	return &WorkingSetSampler{
		emitter:       emitter,
		enum:          enum,
		opener:        opener,
		interval:      cfg.WorkingSetInterval,
		clk:           clk,
		bufferEntries: cfg.WorkingSetBufferEntries,
		filter:        parseFilterSpec(cfg.ProcessFilter),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (s *WorkingSetSampler) start() {
	go s.run()
}

// SetFilter replaces the process filter with the given spec: the wildcard
// token or a ";"-separated list of image names. The update blocks until any
// in-flight pass completes and takes effect for all subsequent passes.
func (s *WorkingSetSampler) SetFilter(spec string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = parseFilterSpec(spec)
}

// Close stops the background goroutine and waits for it to exit. A pass
// already in flight runs to completion first.
func (s *WorkingSetSampler) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *WorkingSetSampler) run() {
	defer close(s.done)
	for {
		timer := s.clk.Timer(s.interval)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.samplePass()
	}
}

// pageCounts accumulates one process's (or one pass's) page classification.
type pageCounts struct {
	// residentPages counts every resident page regardless of sharing.
	residentPages uint64
	// privatePages counts pages mapped by exactly one process.
	privatePages uint64
	// pssUnits is the PSS accumulator in units of 1/420 page.
	pssUnits uint64
	// clampedPages counts pages whose share count exceeded maxShareCount.
	clampedPages uint64
}

func (c *pageCounts) add(other pageCounts) {
	c.residentPages += other.residentPages
	c.privatePages += other.privatePages
	c.pssUnits += other.pssUnits
	c.clampedPages += other.clampedPages
}

func (c pageCounts) fields() []Field {
	return []Field{
		{Name: "private_kb", Value: float64(c.privatePages * kbPerPage)},
		{Name: "pss_kb", Value: float64(c.pssUnits * kbPerPage / pssUnitsPerPage)},
		{Name: "working_set_kb", Value: float64(c.residentPages * kbPerPage)},
	}
}

// classifyPages folds a resident-page list into the pass accumulator. A
// private page contributes pssUnitsPerPage units and one private page; a
// page shared by K processes contributes pssUnitsPerPage/K units, with K
// clamped to maxShareCount.
func classifyPages(pages []PageInfo) pageCounts {
	var c pageCounts
	for _, page := range pages {
		c.residentPages++
		if !page.Shared {
			c.privatePages++
			c.pssUnits += pssUnitsPerPage
			continue
		}
		share := page.ShareCount
		if share < 1 {
			share = 1
		}
		if share > maxShareCount {
			share = maxShareCount
			c.clampedPages++
		}
		c.pssUnits += pssUnitsPerPage / uint64(share)
	}
	return c
}

// samplePass runs one full sampling pass under the filter lock.
func (s *WorkingSetSampler) samplePass() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filter.empty() {
		return
	}

	procs, err := s.enum.Processes()
	if err != nil {
		log.WithError(err).Warn("working set: process enumeration failed")
		return
	}

	// The buffer is shared by every process in the pass; growth for one
	// process carries over to the rest.
	buf := make([]PageInfo, s.bufferEntries)

	var totals pageCounts
	var skipped *multierror.Error

	for _, p := range procs {
		if !s.filter.matches(p.Name) {
			continue
		}
		counts, err := s.sampleProcess(p.PID, &buf)
		if err != nil {
			if !errors.Is(err, ErrProcessGone) {
				skipped = multierror.Append(skipped, fmt.Errorf("%s (%d): %w", p.Name, p.PID, err))
			}
			continue
		}
		totals.add(counts)
		s.emitter.Emit(fmt.Sprintf("%s (%d)", p.Name, p.PID), counts.fields()...)
	}

	s.emitter.Emit(totalEventName, totals.fields()...)

	if err := skipped.ErrorOrNil(); err != nil {
		log.WithError(err).Debug("working set: processes skipped this pass")
	}
	if totals.clampedPages > 0 {
		log.WithField("pages", totals.clampedPages).
			Debugf("working set: share counts above %d clamped", maxShareCount)
	}
}

// sampleProcess opens one process, queries its resident pages and
// classifies them. On an insufficient-buffer failure the buffer grows to
// the required entry count plus 25% headroom and the query is retried
// exactly once; a second failure skips the process for this pass.
func (s *WorkingSetSampler) sampleProcess(pid int, buf *[]PageInfo) (pageCounts, error) {
	h, err := s.opener.Open(pid)
	if err != nil {
		return pageCounts{}, err
	}
	defer h.Close()

	var n int
	err = retry.Do(
		func() error {
			var err error
			n, err = h.Pages(*buf)
			return err
		},
		retry.Attempts(2),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var insufficient *InsufficientBufferError
			return errors.As(err, &insufficient)
		}),
		retry.OnRetry(func(_ uint, err error) {
			var insufficient *InsufficientBufferError
			if errors.As(err, &insufficient) {
				required := insufficient.Required
				*buf = make([]PageInfo, required+required/4)
			}
		}),
	)
	if err != nil {
		return pageCounts{}, err
	}

	return classifyPages((*buf)[:n]), nil
}
