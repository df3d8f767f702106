package scan

import (
	"os"
	"syscall"
	"time"
)

func createdAt(info os.FileInfo) *time.Time {
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return nil
	}
	t := time.Unix(0, data.CreationTime.Nanoseconds()).UTC()
	return &t
}
