// Package quota implements the relay's global storage accountant: a
// mutex-guarded reserve/refund counter that upper-bounds the combined
// size of in-flight and committed blobs.
package quota

import (
	"sync"

	"github.com/ondralukes/sfshr/internal/metrics"
)

// Accountant tracks reserved_bytes against a fixed ceiling.
type Accountant struct {
	mu       sync.Mutex
	reserved uint64
	maxTotal uint64
}

// New creates an Accountant with the given global ceiling and an
// initial reservation (e.g. the sum of pre-existing blob sizes found on
// disk at startup).
func New(maxTotal, initialReserved uint64) *Accountant {
	return &Accountant{maxTotal: maxTotal, reserved: initialReserved}
}

// Reserve grants min(want, headroom) bytes of headroom and adds the
// grant to reserved_bytes. A grant of 0 means no headroom was
// available; the caller must treat that as SizeLimitExceeded and must
// not call Refund for a zero grant.
func (a *Accountant) Reserve(want uint64) (granted uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	headroom := uint64(0)
	if a.maxTotal > a.reserved {
		headroom = a.maxTotal - a.reserved
	}
	granted = want
	if granted > headroom {
		granted = headroom
	}
	a.reserved += granted
	metrics.ReservedBytes.Set(float64(a.reserved))
	return granted
}

// Refund subtracts amount from reserved_bytes. amount must never exceed
// what is currently reserved; Refund saturates at zero rather than
// underflowing.
func (a *Accountant) Refund(amount uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if amount > a.reserved {
		amount = a.reserved
	}
	a.reserved -= amount
	metrics.ReservedBytes.Set(float64(a.reserved))
}

// Reserved returns the current reserved_bytes value.
func (a *Accountant) Reserved() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}

// MaxTotal returns the configured global ceiling.
func (a *Accountant) MaxTotal() uint64 {
	return a.maxTotal
}

// Resync overwrites the reserved count with a freshly computed total,
// e.g. from a directory scan at startup. The count is an advisory
// upper bound; this is the hook for re-deriving it from disk at quiet
// moments.
func (a *Accountant) Resync(total uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved = total
	metrics.ReservedBytes.Set(float64(a.reserved))
}
