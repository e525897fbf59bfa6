package testutil

import (
	"sync/atomic"

	"github.com/intellect4all/ckvdb/common"
)

// ResourceLimiter caps how many bytes of backing storage a test store
// may consume. Filesystem wrappers in tests route their growth through
// AllocDisk so the engine's disk-full error path can be driven
// deterministically, without actually filling a disk.
type ResourceLimiter struct {
	maxDiskBytes int64
	diskUsed     atomic.Int64
}

func NewResourceLimiter(maxDisk int64) *ResourceLimiter {
	return &ResourceLimiter{maxDiskBytes: maxDisk}
}

// AllocDisk reserves n bytes, failing with ErrDiskFull once the cap
// would be exceeded.
func (r *ResourceLimiter) AllocDisk(n int64) error {
	newUsed := r.diskUsed.Add(n)
	if newUsed > r.maxDiskBytes {
		r.diskUsed.Add(-n)
		return common.ErrDiskFull
	}
	return nil
}

func (r *ResourceLimiter) FreeDisk(n int64) {
	r.diskUsed.Add(-n)
}

func (r *ResourceLimiter) DiskUsed() int64 {
	return r.diskUsed.Load()
}
