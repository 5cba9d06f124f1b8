package server

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ondralukes/sfshr/internal/config"
	"github.com/ondralukes/sfshr/internal/logging"
	"github.com/ondralukes/sfshr/internal/metrics"
	"github.com/ondralukes/sfshr/internal/protocol"
	"github.com/ondralukes/sfshr/internal/quota"
	"github.com/ondralukes/sfshr/internal/storage"
	"go.uber.org/zap"
)

// Reaper periodically sweeps the uploads directory, deleting blobs
// whose expiration header has passed and refunding their bytes to the
// quota accountant.
type Reaper struct {
	cfg   *config.Config
	quota *quota.Accountant
}

// NewReaper builds a Reaper for cfg's uploads directory.
func NewReaper(cfg *config.Config, q *quota.Accountant) *Reaper {
	return &Reaper{cfg: cfg, quota: q}
}

// Run sweeps every ReaperInterval until ctx is cancelled, following the
// ticker-plus-shutdown-context shape used elsewhere in this codebase
// for background goroutines.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(protocol.ReaperInterval)
	defer ticker.Stop()

	r.sweep()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reaper) sweep() {
	entries, err := os.ReadDir(r.cfg.UploadsDir)
	if err != nil {
		logging.Warn("reaper: failed to read uploads dir", zap.Error(err))
		return
	}

	now := uint64(time.Now().Unix())
	var reaped uint64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(r.cfg.UploadsDir, entry.Name())

		expireAt, err := storage.ReadHeader(path)
		if err != nil {
			// A blob mid-upload can be shorter than the header for a
			// moment; skip it this sweep rather than treat it as reapable.
			continue
		}
		if expireAt > now {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		size := info.Size()

		if err := os.Remove(path); err != nil {
			logging.Warn("reaper: failed to remove expired blob", zap.String("id", entry.Name()), zap.Error(err))
			continue
		}
		if size > int64(storage.HeaderSize) {
			reaped += uint64(size) - storage.HeaderSize
		}
		metrics.BlobsReaped.Inc()
		logging.Info("reaper: removed expired blob", zap.String("id", entry.Name()))
	}

	// Only decrement by what was actually reaped this sweep. A
	// wholesale resync against on-disk totals would wipe out headroom
	// reserved for uploads still in flight, since their committed
	// bytes on disk lag their reservation until they complete.
	if reaped > 0 {
		r.quota.Refund(reaped)
		logging.Info("reaper: usage changed", zap.Uint64("reaped_bytes", reaped), zap.Uint64("reserved_bytes", r.quota.Reserved()))
	}
	metrics.ReapSweeps.Inc()
}

// scanExistingReservation sums the committed payload bytes of every
// non-expired blob already present in the uploads directory, seeding
// the accountant when a restart finds blobs a previous process left
// behind.
func scanExistingReservation(cfg *config.Config) uint64 {
	entries, err := os.ReadDir(cfg.UploadsDir)
	if err != nil {
		return 0
	}

	now := uint64(time.Now().Unix())
	var total uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(cfg.UploadsDir, entry.Name())
		expireAt, err := storage.ReadHeader(path)
		if err != nil || expireAt <= now {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if size := info.Size(); size > int64(storage.HeaderSize) {
			total += uint64(size) - storage.HeaderSize
		}
	}
	return total
}
