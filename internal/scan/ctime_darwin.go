package scan

import (
	"os"
	"syscall"
	"time"
)

func createdAt(info os.FileInfo) *time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	t := time.Unix(st.Birthtimespec.Sec, st.Birthtimespec.Nsec).UTC()
	return &t
}
