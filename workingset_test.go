package tracemon

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnumerator struct {
	procs []ProcessInfo
	err   error
}

func (e *fakeEnumerator) Processes() ([]ProcessInfo, error) {
	return e.procs, e.err
}

type fakeOpener struct {
	handles map[int]*fakeHandle
	errs    map[int]error
}

func (o *fakeOpener) Open(pid int) (ProcessHandle, error) {
	if err := o.errs[pid]; err != nil {
		return nil, err
	}
	h, ok := o.handles[pid]
	if !ok {
		return nil, ErrProcessGone
	}
	return h, nil
}

type fakeHandle struct {
	pages []PageInfo
	// required makes Pages fail with InsufficientBufferError until the
	// buffer holds at least that many entries.
	required int
	// alwaysInsufficient makes every Pages call fail with a required
	// count larger than the supplied buffer.
	alwaysInsufficient bool

	pagesCalls int
	lastBufLen int
	closed     int
}

func (h *fakeHandle) Pages(buf []PageInfo) (int, error) {
	h.pagesCalls++
	h.lastBufLen = len(buf)
	if h.alwaysInsufficient {
		return 0, &InsufficientBufferError{Required: len(buf) * 2}
	}
	required := h.required
	if required == 0 {
		required = len(h.pages)
	}
	if len(buf) < required {
		return 0, &InsufficientBufferError{Required: required}
	}
	return copy(buf, h.pages), nil
}

func (h *fakeHandle) Close() error {
	h.closed++
	return nil
}

func privatePages(n int) []PageInfo {
	pages := make([]PageInfo, n)
	return pages
}

func sharedPages(n int, shareCount uint32) []PageInfo {
	pages := make([]PageInfo, n)
	for i := range pages {
		pages[i] = PageInfo{Shared: true, ShareCount: shareCount}
	}
	return pages
}

func newTestSampler(cfg Config, enum ProcessEnumerator, opener ProcessOpener) (*WorkingSetSampler, *recordingEmitter) {
	emitter := &recordingEmitter{}
	s := newWorkingSetSampler(cfg, emitter, enum, opener, clock.New())
	return s, emitter
}

func TestFullyPrivateProcessPSSEqualsPrivate(t *testing.T) {
	enum := &fakeEnumerator{procs: []ProcessInfo{{PID: 1, Name: "chrome"}}}
	opener := &fakeOpener{handles: map[int]*fakeHandle{
		1: {pages: privatePages(100)},
	}}
	s, emitter := newTestSampler(Config{ProcessFilter: FilterAll}, enum, opener)

	s.samplePass()

	ev, ok := emitter.last("chrome (1)")
	require.True(t, ok)
	assert.Equal(t, 400.0, ev.fields["private_kb"])
	assert.Equal(t, 400.0, ev.fields["pss_kb"])
	assert.Equal(t, 400.0, ev.fields["working_set_kb"])

	total, ok := emitter.last("Total")
	require.True(t, ok)
	assert.Equal(t, ev.fields, total.fields)
}

func TestClassifyPagesExactness(t *testing.T) {
	t.Run("private page", func(t *testing.T) {
		c := classifyPages(privatePages(1))
		assert.Equal(t, uint64(420), c.pssUnits)
		assert.Equal(t, uint64(1), c.privatePages)
		assert.Equal(t, uint64(1), c.residentPages)
	})

	for shareCount := uint32(1); shareCount <= 7; shareCount++ {
		c := classifyPages(sharedPages(1, shareCount))
		assert.Equal(t, uint64(420/shareCount), c.pssUnits, "share count %d", shareCount)
		assert.Equal(t, uint64(0), c.privatePages)
		// The page's contributions across all its sharers sum back to
		// one full page.
		assert.Equal(t, uint64(420), uint64(shareCount)*c.pssUnits, "share count %d", shareCount)
	}

	t.Run("share count above 7 clamps", func(t *testing.T) {
		c := classifyPages(sharedPages(1, 12))
		assert.Equal(t, uint64(60), c.pssUnits)
		assert.Equal(t, uint64(1), c.clampedPages)
	})

	t.Run("zero share count counts as one", func(t *testing.T) {
		c := classifyPages([]PageInfo{{Shared: true, ShareCount: 0}})
		assert.Equal(t, uint64(420), c.pssUnits)
	})
}

func TestFilterSemantics(t *testing.T) {
	enum := &fakeEnumerator{procs: []ProcessInfo{
		{PID: 1, Name: "chrome"},
		{PID: 2, Name: "Firefox"},
		{PID: 3, Name: "bash"},
	}}
	handles := func() map[int]*fakeHandle {
		return map[int]*fakeHandle{
			1: {pages: privatePages(1)},
			2: {pages: privatePages(1)},
			3: {pages: privatePages(1)},
		}
	}

	t.Run("wildcard selects every process", func(t *testing.T) {
		s, emitter := newTestSampler(Config{ProcessFilter: FilterAll}, enum, &fakeOpener{handles: handles()})
		s.samplePass()
		assert.Equal(t, 4, emitter.count()) // three processes plus Total
	})

	t.Run("explicit list matches case-insensitively", func(t *testing.T) {
		s, emitter := newTestSampler(Config{ProcessFilter: "CHROME;firefox"}, enum, &fakeOpener{handles: handles()})
		s.samplePass()
		assert.Equal(t, 3, emitter.count())
		_, ok := emitter.last("chrome (1)")
		assert.True(t, ok)
		_, ok = emitter.last("Firefox (2)")
		assert.True(t, ok)
		_, ok = emitter.last("bash (3)")
		assert.False(t, ok)
	})

	t.Run("empty filter skips the pass entirely", func(t *testing.T) {
		s, emitter := newTestSampler(Config{ProcessFilter: ""}, enum, &fakeOpener{handles: handles()})
		s.samplePass()
		assert.Equal(t, 0, emitter.count())
	})
}

func TestSetFilterTakesEffectNextPass(t *testing.T) {
	enum := &fakeEnumerator{procs: []ProcessInfo{{PID: 1, Name: "chrome"}}}
	opener := &fakeOpener{handles: map[int]*fakeHandle{1: {pages: privatePages(1)}}}
	s, emitter := newTestSampler(Config{ProcessFilter: FilterAll}, enum, opener)

	s.samplePass()
	require.Equal(t, 2, emitter.count())

	s.SetFilter("firefox")
	s.samplePass()
	// No per-process events, only the (empty) Total.
	require.Equal(t, 3, emitter.count())
	total, ok := emitter.last("Total")
	require.True(t, ok)
	assert.Equal(t, 0.0, total.fields["working_set_kb"])

	s.SetFilter("")
	s.samplePass()
	assert.Equal(t, 3, emitter.count())
}

func TestBufferGrowthRetriesExactlyOnce(t *testing.T) {
	handle := &fakeHandle{pages: privatePages(10), required: 150_000}
	enum := &fakeEnumerator{procs: []ProcessInfo{{PID: 1, Name: "chrome"}}}
	opener := &fakeOpener{handles: map[int]*fakeHandle{1: handle}}
	s, emitter := newTestSampler(Config{
		ProcessFilter:           FilterAll,
		WorkingSetBufferEntries: 100_000,
	}, enum, opener)

	s.samplePass()

	// One failed attempt, one grown retry.
	assert.Equal(t, 2, handle.pagesCalls)
	assert.GreaterOrEqual(t, handle.lastBufLen, 187_500)
	_, ok := emitter.last("chrome (1)")
	assert.True(t, ok)
	assert.Equal(t, 1, handle.closed)
}

func TestBufferGrowthPersistentFailureSkipsProcess(t *testing.T) {
	failing := &fakeHandle{alwaysInsufficient: true}
	healthy := &fakeHandle{pages: privatePages(5)}
	enum := &fakeEnumerator{procs: []ProcessInfo{
		{PID: 1, Name: "stubborn"},
		{PID: 2, Name: "bash"},
	}}
	opener := &fakeOpener{handles: map[int]*fakeHandle{1: failing, 2: healthy}}
	s, emitter := newTestSampler(Config{ProcessFilter: FilterAll, WorkingSetBufferEntries: 100}, enum, opener)

	s.samplePass()

	assert.Equal(t, 2, failing.pagesCalls)
	_, ok := emitter.last("stubborn (1)")
	assert.False(t, ok)

	// The skipped process has no effect on the survivors or the total.
	total, ok := emitter.last("Total")
	require.True(t, ok)
	assert.Equal(t, 20.0, total.fields["working_set_kb"])
	assert.Equal(t, 1, failing.closed)
	assert.Equal(t, 1, healthy.closed)
}

func TestInaccessibleAndGoneProcessesAreSkipped(t *testing.T) {
	enum := &fakeEnumerator{procs: []ProcessInfo{
		{PID: 1, Name: "protected"},
		{PID: 2, Name: "vanished"},
		{PID: 3, Name: "bash"},
	}}
	opener := &fakeOpener{
		handles: map[int]*fakeHandle{3: {pages: privatePages(3)}},
		errs:    map[int]error{1: errors.New("permission denied")},
	}
	s, emitter := newTestSampler(Config{ProcessFilter: FilterAll}, enum, opener)

	s.samplePass()

	require.Equal(t, 2, emitter.count())
	total, ok := emitter.last("Total")
	require.True(t, ok)
	assert.Equal(t, 12.0, total.fields["working_set_kb"])
}

func TestEndToEndScenario(t *testing.T) {
	// A: 100 private pages. B: 50 pages shared with C. C: nothing else.
	enum := &fakeEnumerator{procs: []ProcessInfo{
		{PID: 1, Name: "A"},
		{PID: 2, Name: "B"},
		{PID: 3, Name: "C"},
	}}
	opener := &fakeOpener{handles: map[int]*fakeHandle{
		1: {pages: privatePages(100)},
		2: {pages: sharedPages(50, 2)},
		3: {pages: sharedPages(50, 2)},
	}}
	s, emitter := newTestSampler(Config{ProcessFilter: FilterAll}, enum, opener)

	s.samplePass()

	a, ok := emitter.last("A (1)")
	require.True(t, ok)
	assert.Equal(t, 400.0, a.fields["private_kb"])
	assert.Equal(t, 400.0, a.fields["pss_kb"])

	b, ok := emitter.last("B (2)")
	require.True(t, ok)
	assert.Equal(t, 0.0, b.fields["private_kb"])
	assert.Equal(t, 100.0, b.fields["pss_kb"])
	assert.Equal(t, 200.0, b.fields["working_set_kb"])

	total, ok := emitter.last("Total")
	require.True(t, ok)
	assert.Equal(t, 400.0, total.fields["private_kb"])
	assert.Equal(t, 600.0, total.fields["pss_kb"])
	assert.Equal(t, 800.0, total.fields["working_set_kb"])
}

func TestEnumerationFailureAbortsPass(t *testing.T) {
	enum := &fakeEnumerator{err: errors.New("procfs unavailable")}
	s, emitter := newTestSampler(Config{ProcessFilter: FilterAll}, enum, &fakeOpener{})

	s.samplePass()

	assert.Equal(t, 0, emitter.count())
}

func TestWorkingSetSamplerCloseTerminates(t *testing.T) {
	enum := &fakeEnumerator{procs: []ProcessInfo{{PID: 1, Name: "chrome"}}}
	opener := &fakeOpener{handles: map[int]*fakeHandle{1: {pages: privatePages(1)}}}
	emitter := &recordingEmitter{}
	s := newWorkingSetSampler(Config{
		ProcessFilter:      FilterAll,
		WorkingSetInterval: 5 * time.Millisecond,
	}, emitter, enum, opener, clock.New())
	s.start()

	require.Eventually(t, func() bool { return emitter.count() > 0 }, 2*time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Close()
		s.Close() // idempotent
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not terminate the sampler")
	}
}
