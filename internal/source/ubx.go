package source

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// UBX: sync, class, id, length (LE), payload, ck_a, ck_b
const (
	ubxSync1     = 0xB5
	ubxSync2     = 0x62
	ubxHeaderLen = 6

	ubxClassNAV = 0x01
	ubxIDNAVPVT = 0x07
	navPVTSize  = 92

	// сколько кадров читать за один GetTime в поисках NAV-PVT
	ubxMaxFrames = 16
	// защита от мусорной длины
	ubxMaxPayload = 1024
)

// смещения в payload NAV-PVT
const (
	navPvtYear  = 4  // uint16
	navPvtMonth = 6  // uint8
	navPvtDay   = 7  // uint8
	navPvtHour  = 8  // uint8
	navPvtMin   = 9  // uint8
	navPvtSec   = 10 // uint8
	navPvtValid = 11 // uint8
	navPvtNano  = 16 // int32
	navPvtFlags = 21 // uint8, bit0 gnssFixOK
)

const (
	navValidDate          = 1 << 0
	navValidTime          = 1 << 1
	navValidFullyResolved = 1 << 2
	navFlagGnssFixOK      = 1 << 0
)

var errUBXChecksum = errors.New("ubx checksum mismatch")

// UBX — GNSS-приёмник u-blox: время из UBX-NAV-PVT.
type UBX struct {
	r      io.ReadCloser
	br     *bufio.Reader
	name   string
	offset int64
	lastOk bool
	lastT  time.Time
}

// NewUBX создаёт источник поверх потока UBX.
func NewUBX(r io.ReadCloser, name string, offsetNs int64) *UBX {
	return &UBX{r: r, br: bufio.NewReader(r), name: name, offset: offsetNs}
}

// OpenUBX открывает последовательный порт приёмника.
func OpenUBX(device string, baud int, offsetNs int64) (*UBX, error) {
	p, err := OpenPort(device, baud, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ubx: %w", err)
	}
	return NewUBX(p, device, offsetNs), nil
}

// Name возвращает имя источника
func (u *UBX) Name() string {
	return fmt.Sprintf("ubx:%s", u.name)
}

// Protocol возвращает протокол
func (u *UBX) Protocol() string {
	return "ubx"
}

// GetTime читает кадры до первого NAV-PVT. Время без фиксации или не до
// конца разрешённое даёт StatusUnlocked.
func (u *UBX) GetTime() (time.Time, Status) {
	for i := 0; i < ubxMaxFrames; i++ {
		class, id, payload, err := readUBXFrame(u.br)
		if errors.Is(err, errUBXChecksum) {
			continue
		}
		if err != nil {
			break
		}
		if class != ubxClassNAV || id != ubxIDNAVPVT {
			continue
		}
		t, st, ok := parseNAVPVT(payload)
		if !ok {
			continue
		}
		if st != StatusLocked {
			u.lastOk = false
			return time.Time{}, st
		}
		t = t.Add(time.Duration(u.offset))
		u.lastT, u.lastOk = t, true
		return t, StatusLocked
	}
	if u.lastOk {
		return u.lastT, StatusLocked
	}
	return time.Time{}, StatusUnavailable
}

// Close закрывает порт
func (u *UBX) Close() error {
	if u.r == nil {
		return nil
	}
	return u.r.Close()
}

func ubxChecksum(data []byte) (ckA, ckB uint8) {
	for _, b := range data {
		ckA += b
		ckB += ckA
	}
	return ckA, ckB
}

// readUBXFrame пропускает байты до sync и читает один кадр с проверкой checksum.
func readUBXFrame(r *bufio.Reader) (class, id uint8, payload []byte, err error) {
	var prev byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, nil, err
		}
		if prev == ubxSync1 && b == ubxSync2 {
			break
		}
		prev = b
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:4]))
	if n > ubxMaxPayload {
		return 0, 0, nil, fmt.Errorf("ubx length %d: %w", n, errUBXChecksum)
	}
	body := make([]byte, n+2)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, 0, nil, err
	}
	ckA, ckB := ubxChecksum(append(hdr[:], body[:n]...))
	if body[n] != ckA || body[n+1] != ckB {
		return 0, 0, nil, errUBXChecksum
	}
	return hdr[0], hdr[1], body[:n], nil
}

// parseNAVPVT извлекает UTC время и статус из payload NAV-PVT.
func parseNAVPVT(p []byte) (time.Time, Status, bool) {
	if len(p) < navPVTSize {
		return time.Time{}, StatusUnavailable, false
	}
	valid := p[navPvtValid]
	if valid&navValidTime == 0 || valid&navValidDate == 0 {
		return time.Time{}, StatusUnlocked, true
	}
	nano := int32(binary.LittleEndian.Uint32(p[navPvtNano:]))
	if nano < 0 {
		nano = 0
	} else if nano > 999_999_999 {
		nano = 999_999_999
	}
	t := time.Date(
		int(binary.LittleEndian.Uint16(p[navPvtYear:])),
		time.Month(p[navPvtMonth]), int(p[navPvtDay]),
		int(p[navPvtHour]), int(p[navPvtMin]), int(p[navPvtSec]),
		int(nano), time.UTC)
	if valid&navValidFullyResolved == 0 || p[navPvtFlags]&navFlagGnssFixOK == 0 {
		return t, StatusUnlocked, true
	}
	return t, StatusLocked, true
}
