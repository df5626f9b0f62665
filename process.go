package tracemon

import (
	"errors"
	"fmt"
)

// ProcessInfo identifies one running process in an enumeration snapshot.
type ProcessInfo struct {
	PID  int
	Name string
}

// PageInfo describes one resident page of a process.
type PageInfo struct {
	// Shared is true when the page is mapped by more than one process.
	Shared bool
	// ShareCount is the number of processes mapping the page. It is
	// meaningful only when Shared is true.
	ShareCount uint32
}

// ProcessEnumerator takes a snapshot of the currently active processes.
// Processes that exit between the snapshot and later queries simply fail
// those queries with ErrProcessGone; the enumeration itself never blocks on
// them.
type ProcessEnumerator interface {
	Processes() ([]ProcessInfo, error)
}

// ProcessOpener opens a process with the minimal rights needed to query its
// resident pages.
type ProcessOpener interface {
	Open(pid int) (ProcessHandle, error)
}

// ProcessHandle queries the resident pages of one opened process. Close
// must be called on every handle, on every exit path.
type ProcessHandle interface {
	// Pages fills buf with one entry per resident page and returns the
	// number of entries written. When buf is too small it returns an
	// *InsufficientBufferError carrying the required entry count.
	Pages(buf []PageInfo) (int, error)
	Close() error
}

// ErrProcessGone reports that a process exited between enumeration and
// query. Callers treat it as a silent skip.
var ErrProcessGone = errors.New("process no longer exists")

// InsufficientBufferError reports that a resident-page query needs a larger
// buffer. It is distinguishable from access failures so callers can grow
// the buffer and retry.
type InsufficientBufferError struct {
	// Required is the entry count the query needs.
	Required int
}

func (e *InsufficientBufferError) Error() string {
	return fmt.Sprintf("page buffer too small, %d entries required", e.Required)
}
