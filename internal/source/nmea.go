package source

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// сколько строк читать за один GetTime в поисках RMC
const nmeaMaxLines = 32

// NMEA — источник времени по NMEA RMC (GPRMC/GNRMC).
// Применяет статическое смещение offset (нс).
type NMEA struct {
	r      LineReader
	name   string
	offset int64
	lastOk bool
	lastT  time.Time
}

// NewNMEA создаёт источник NMEA поверх r.
func NewNMEA(r LineReader, name string, offsetNs int64) *NMEA {
	return &NMEA{r: r, name: name, offset: offsetNs}
}

// OpenNMEA открывает последовательный порт и создаёт источник.
func OpenNMEA(device string, baud int, offsetNs int64) (*NMEA, error) {
	r, err := OpenSerial(device, baud, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("nmea: %w", err)
	}
	return NewNMEA(r, device, offsetNs), nil
}

// Name возвращает имя источника
func (n *NMEA) Name() string {
	return fmt.Sprintf("nmea:%s", n.name)
}

// Protocol возвращает протокол
func (n *NMEA) Protocol() string {
	return "nmea"
}

// GetTime читает строки до первой RMC и возвращает её время + offset.
// RMC со статусом V даёт StatusUnlocked.
func (n *NMEA) GetTime() (time.Time, Status) {
	for i := 0; i < nmeaMaxLines; i++ {
		line, err := n.r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && i == 0 && n.lastOk {
				return n.lastT, StatusLocked
			}
			break
		}
		if !isRMC(line) || !validChecksum(line) {
			continue
		}
		t, valid, ok := parseRMC(line)
		if !ok {
			continue
		}
		if !valid {
			n.lastOk = false
			return time.Time{}, StatusUnlocked
		}
		t = t.Add(time.Duration(n.offset))
		n.lastT = t
		n.lastOk = true
		return t, StatusLocked
	}
	if n.lastOk {
		return n.lastT, StatusLocked
	}
	return time.Time{}, StatusUnavailable
}

func isRMC(line string) bool {
	return (strings.HasPrefix(line, "$GP") || strings.HasPrefix(line, "$GN")) &&
		len(line) > 6 && line[3:6] == "RMC"
}

// validChecksum проверяет *hh (XOR между $ и *). Строка без checksum принимается.
func validChecksum(line string) bool {
	i := strings.LastIndex(line, "*")
	if i < 0 {
		return true
	}
	want, err := strconv.ParseUint(line[i+1:], 16, 8)
	if err != nil {
		return false
	}
	var sum byte
	for j := 1; j < i; j++ {
		sum ^= line[j]
	}
	return sum == byte(want)
}

// parseRMC парсит $GPRMC или $GNRMC: поле 1 = hhmmss.ss, поле 2 = A/V, поле 9 = ddmmyy.
// valid — статус A.
func parseRMC(line string) (t time.Time, valid, ok bool) {
	if i := strings.Index(line, "*"); i >= 0 {
		line = line[:i]
	}
	parts := strings.Split(line, ",")
	if len(parts) < 10 {
		return time.Time{}, false, false
	}
	valid = parts[2] == "A"
	timeStr := parts[1]
	dateStr := parts[9]
	if len(timeStr) < 6 || len(dateStr) < 6 {
		return time.Time{}, valid, false
	}
	hh, err1 := strconv.Atoi(timeStr[0:2])
	mm, err2 := strconv.Atoi(timeStr[2:4])
	ss, err3 := strconv.Atoi(timeStr[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, valid, false
	}
	nsec := 0
	if len(timeStr) >= 8 && timeStr[6] == '.' {
		fracStr := timeStr[7:]
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		frac, err := strconv.Atoi(fracStr)
		if err != nil {
			return time.Time{}, valid, false
		}
		for i := len(fracStr); i < 9; i++ {
			frac *= 10
		}
		nsec = frac
	}
	day, err1 := strconv.Atoi(dateStr[0:2])
	month, err2 := strconv.Atoi(dateStr[2:4])
	year, err3 := strconv.Atoi(dateStr[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, valid, false
	}
	if year < 80 {
		year += 2000
	} else {
		year += 1900
	}
	return time.Date(year, time.Month(month), day, hh, mm, ss, nsec, time.UTC), valid, true
}

// Close закрывает порт
func (n *NMEA) Close() error {
	if n.r == nil {
		return nil
	}
	return n.r.Close()
}
