//go:build linux

package source

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FD_TO_CLOCKID(fd) = (fd << 3) | CLOCKFD (include/uapi/linux/ptp_clock.h)
const clockFD = 3

func init() {
	readPHC = readPHCTime
}

func readPHCTime(device string) (time.Time, bool) {
	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()
	clockid := (^int32(f.Fd()))<<3 | clockFD
	var ts unix.Timespec
	if err := unix.ClockGettime(clockid, &ts); err != nil {
		return time.Time{}, false
	}
	return time.Unix(int64(ts.Sec), int64(ts.Nsec)), true
}
