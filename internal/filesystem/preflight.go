// Package filesystem holds disk-level preflight checks for the output root.
// The Download Engine streams and resumes byte ranges rather than
// pre-truncating a destination file to its full declared size, so this is
// only a startup free-space check, not a per-file allocator.
package filesystem

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// lowDiskBuffer is held back below the reported free space so the run never
// drives a volume to zero bytes free.
const lowDiskBuffer = 100 * 1024 * 1024

// CheckFreeSpace returns an error if root's volume has less than minFree
// bytes free (plus lowDiskBuffer of headroom). Called once at startup; the
// Scheduler has no per-task notion of "not enough space left" once a run is
// underway.
func CheckFreeSpace(root string, minFree int64) error {
	usage, err := disk.Usage(root)
	if err != nil {
		return fmt.Errorf("filesystem: checking free space at %s: %w", root, err)
	}
	if int64(usage.Free) < minFree+lowDiskBuffer {
		return fmt.Errorf("filesystem: low disk space at %s: %d bytes free, want at least %d", root, usage.Free, minFree+lowDiskBuffer)
	}
	return nil
}
