//go:build !darwin && !windows

package scan

import (
	"os"
	"time"
)

// createdAt is unavailable without birth time support; callers fall back to
// the modification time.
func createdAt(os.FileInfo) *time.Time {
	return nil
}
