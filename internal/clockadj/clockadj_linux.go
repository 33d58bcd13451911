//go:build linux

package clockadj

import (
	"time"

	"golang.org/x/sys/unix"
)

// SetFrequency устанавливает коррекцию частоты в ppm. Положительное значение
// ускоряет часы. Требует CAP_SYS_TIME или root.
func SetFrequency(ppm float64) error {
	// Freq в timex — scaled ppm: ppm * 2^16
	buf := &unix.Timex{
		Modes: unix.ADJ_FREQUENCY,
		Freq:  int64(ppm * 65536),
	}
	_, err := unix.Adjtimex(buf)
	return err
}

// Step устанавливает системное время (скачок). Требует CAP_SYS_TIME или root.
func Step(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	return unix.ClockSettime(unix.CLOCK_REALTIME, &ts)
}

// GetFrequency возвращает текущую коррекцию частоты из ядра (ppm).
func GetFrequency() (ppm float64, err error) {
	buf := &unix.Timex{}
	if _, err = unix.Adjtimex(buf); err != nil {
		return 0, err
	}
	return float64(buf.Freq) / 65536, nil
}

// GranularityNs — минимальный ненулевой интервал между двумя clock_gettime.
func GranularityNs() int64 {
	const rounds = 20
	var minDt int64 = 1e9
	for i := 0; i < rounds; i++ {
		var t1, t2 unix.Timespec
		_ = unix.ClockGettime(unix.CLOCK_REALTIME, &t1)
		_ = unix.ClockGettime(unix.CLOCK_REALTIME, &t2)
		dt := (t2.Sec-t1.Sec)*1e9 + int64(t2.Nsec-t1.Nsec)
		if dt > 0 && dt < minDt {
			minDt = dt
		}
	}
	if minDt == 1e9 {
		return 0
	}
	return minDt
}
