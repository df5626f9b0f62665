//go:build linux

package tracemon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/procfs"
)

// Linux implementation of the process enumeration and memory-residency
// primitives, built on /proc. Per-page data comes from /proc/<pid>/pagemap
// and /proc/kpagecount; both need CAP_SYS_ADMIN for useful contents.
// Without it pagemap reads zeroed frame numbers and the sampler falls back
// to counting every resident page as private.

const (
	// pagemap entries are one uint64 per virtual page.
	pagemapEntrySize = 8
	// pagemapBatchEntries bounds one pagemap read.
	pagemapBatchEntries = 512

	pagemapPresentBit = 1 << 63
	pagemapPFNMask    = (1 << 55) - 1
)

func newPlatformProcessScanner() (ProcessEnumerator, ProcessOpener, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, nil, fmt.Errorf("opening procfs: %w", err)
	}
	return &procEnumerator{fs: fs}, &procOpener{fs: fs, pageSize: os.Getpagesize()}, nil
}

type procEnumerator struct {
	fs procfs.FS
}

func (e *procEnumerator) Processes() ([]ProcessInfo, error) {
	procs, err := e.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}
	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil {
			// Exited between the snapshot and the name read.
			continue
		}
		infos = append(infos, ProcessInfo{PID: p.PID, Name: comm})
	}
	return infos, nil
}

type procOpener struct {
	fs       procfs.FS
	pageSize int
}

func (o *procOpener) Open(pid int) (ProcessHandle, error) {
	proc, err := o.fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}

	pagemap, err := os.Open(fmt.Sprintf("/proc/%d/pagemap", pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
		}
		return nil, fmt.Errorf("opening pagemap: %w", err)
	}

	// kpagecount is optional: without it share counts are unknown and
	// every resident page is reported as private.
	kpagecount, err := os.Open("/proc/kpagecount")
	if err != nil {
		kpagecount = nil
	}

	return &procHandle{
		proc:       proc,
		pagemap:    pagemap,
		kpagecount: kpagecount,
		pageSize:   uint64(o.pageSize),
	}, nil
}

type procHandle struct {
	proc       procfs.Proc
	pagemap    *os.File
	kpagecount *os.File
	pageSize   uint64
}

func (h *procHandle) Pages(buf []PageInfo) (int, error) {
	maps, err := h.proc.ProcMaps()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: pid %d", ErrProcessGone, h.proc.PID)
		}
		return 0, fmt.Errorf("reading memory maps: %w", err)
	}

	chunk := make([]byte, pagemapBatchEntries*pagemapEntrySize)
	count := 0
	for _, m := range maps {
		if strings.HasPrefix(m.Pathname, "[vsyscall]") {
			continue
		}
		firstPage := uint64(m.StartAddr) / h.pageSize
		lastPage := uint64(m.EndAddr) / h.pageSize
		for page := firstPage; page < lastPage; page += pagemapBatchEntries {
			entries := lastPage - page
			if entries > pagemapBatchEntries {
				entries = pagemapBatchEntries
			}
			n, err := h.pagemap.ReadAt(chunk[:entries*pagemapEntrySize], int64(page*pagemapEntrySize))
			if err != nil && n == 0 {
				// Unreadable region; skip the rest of this mapping.
				break
			}
			for i := 0; i < n/pagemapEntrySize; i++ {
				entry := binary.LittleEndian.Uint64(chunk[i*pagemapEntrySize:])
				present, pfn := decodePagemapEntry(entry)
				if !present {
					continue
				}
				count++
				if count > len(buf) {
					// Keep counting so the caller learns the
					// required size, but stop filling.
					continue
				}
				share := h.shareCount(pfn)
				buf[count-1] = PageInfo{Shared: share > 1, ShareCount: uint32(share)}
			}
		}
	}

	if count > len(buf) {
		return 0, &InsufficientBufferError{Required: count}
	}
	return count, nil
}

// shareCount reads the number of processes mapping the given page frame.
// Unknown frames count as private.
func (h *procHandle) shareCount(pfn uint64) int64 {
	if h.kpagecount == nil || pfn == 0 {
		return 1
	}
	var raw [8]byte
	if _, err := h.kpagecount.ReadAt(raw[:], int64(pfn*8)); err != nil {
		return 1
	}
	share := int64(binary.LittleEndian.Uint64(raw[:]))
	if share < 1 {
		return 1
	}
	return share
}

func (h *procHandle) Close() error {
	err := h.pagemap.Close()
	if h.kpagecount != nil {
		if cerr := h.kpagecount.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func decodePagemapEntry(entry uint64) (present bool, pfn uint64) {
	return entry&pagemapPresentBit != 0, entry & pagemapPFNMask
}
