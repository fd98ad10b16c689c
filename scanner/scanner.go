// Package scanner implements the Memory Scanner: a region cache and
// successive-refinement byte-pattern search across a target's
// readable regions.
package scanner

import (
	"fmt"
	"sync"

	"github.com/coredbg/coredbg/dbglog"
	"github.com/coredbg/coredbg/osdbg"
)

// regionAccess is the slice of target.Target the scanner needs.
type regionAccess interface {
	ReadableRegions(min, max uint64) ([]osdbg.MemoryRegion, error)
	Read(addr uint64, size int) ([]byte, error)
}

// Region mirrors osdbg.MemoryRegion's address/size fields the scanner
// needs, plus the per-byte candidate bitmap and cached live bytes.
type Region struct {
	BaseAddress uint64
	Size        uint64

	matches      []bool
	currentBytes []byte
}

// Matches returns a copy of the candidate bitmap.
func (r *Region) Matches() []bool { return append([]bool(nil), r.matches...) }

// ProgressFunc receives an integer percent as the scan advances.
type ProgressFunc func(percent int)

// Scanner owns the region cache for one target.
type Scanner struct {
	tgt regionAccess
	log dbglog.Logger

	mu      sync.Mutex
	regions []*Region

	// Progress is invoked (if non-nil) with integer percent during
	// UpdateCache and SearchCache.
	Progress ProgressFunc
}

// New binds a Scanner to tgt.
func New(tgt regionAccess, log dbglog.Logger) *Scanner {
	return &Scanner{tgt: tgt, log: dbglog.OrDiscard(log)}
}

// IdentifyRegions populates the region list with every readable
// region in [min, max), discarding any previous cache.
func (s *Scanner) IdentifyRegions(min, max uint64) error {
	found, err := s.tgt.ReadableRegions(min, max)
	if err != nil {
		return fmt.Errorf("scanner: identify-regions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = make([]*Region, 0, len(found))
	for _, r := range found {
		s.regions = append(s.regions, &Region{BaseAddress: r.BaseAddress, Size: r.Size})
	}
	return nil
}

// UpdateCache reads each region's live bytes into currentBytes.
func (s *Scanner) UpdateCache() error {
	s.mu.Lock()
	regions := append([]*Region(nil), s.regions...)
	s.mu.Unlock()

	for i, r := range regions {
		data, err := s.tgt.Read(r.BaseAddress, int(r.Size))
		if err != nil {
			return fmt.Errorf("scanner: update-cache region 0x%x: %w", r.BaseAddress, err)
		}
		s.mu.Lock()
		r.currentBytes = data
		s.mu.Unlock()
		s.reportProgress(i+1, len(regions))
	}
	return nil
}

// SearchCache narrows matches against value and returns every
// still-candidate address. Per region, for i in [0, size-L): if
// matches[i] is already false, skip; otherwise compare value against
// current_bytes[i:i+L] and set matches[i] to the equality result. The
// tail [size-L, size) is always false. Across calls matches can only
// flip true->false, never false->true, until ResetMatches.
func (s *Scanner) SearchCache(value []byte) ([]uint64, error) {
	s.mu.Lock()
	regions := append([]*Region(nil), s.regions...)
	s.mu.Unlock()

	L := len(value)
	var out []uint64

	for idx, r := range regions {
		s.mu.Lock()
		if r.matches == nil {
			r.matches = make([]bool, len(r.currentBytes))
			for i := range r.matches {
				r.matches[i] = true
			}
		}
		size := len(r.currentBytes)
		for i := 0; i < size; i++ {
			if i > size-L {
				r.matches[i] = false
				continue
			}
			if !r.matches[i] {
				continue
			}
			r.matches[i] = bytesEqual(value, r.currentBytes[i:i+L])
			if r.matches[i] {
				out = append(out, r.BaseAddress+uint64(i))
			}
		}
		s.mu.Unlock()
		s.reportProgress(idx+1, len(regions))
	}
	return out, nil
}

// ResetMatches clears all candidate bitmaps back to all-true, so a
// fresh search can use previously-eliminated positions again.
func (s *Scanner) ResetMatches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		for i := range r.matches {
			r.matches[i] = true
		}
	}
}

// Regions returns a snapshot of the cached regions.
func (s *Scanner) Regions() []*Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Region(nil), s.regions...)
}

func (s *Scanner) reportProgress(done, total int) {
	if s.Progress == nil || total == 0 {
		return
	}
	s.Progress(done * 100 / total)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
