package source

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"
)

func ubxFrame(class, id uint8, payload []byte) []byte {
	buf := []byte{ubxSync1, ubxSync2, class, id}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	ckA, ckB := ubxChecksum(buf[2:])
	return append(buf, ckA, ckB)
}

func navPVT(valid, flags byte, ts time.Time, nano int32) []byte {
	p := make([]byte, navPVTSize)
	binary.LittleEndian.PutUint16(p[navPvtYear:], uint16(ts.Year()))
	p[navPvtMonth] = byte(ts.Month())
	p[navPvtDay] = byte(ts.Day())
	p[navPvtHour] = byte(ts.Hour())
	p[navPvtMin] = byte(ts.Minute())
	p[navPvtSec] = byte(ts.Second())
	p[navPvtValid] = valid
	p[navPvtFlags] = flags
	binary.LittleEndian.PutUint32(p[navPvtNano:], uint32(nano))
	return p
}

const allValid = navValidDate | navValidTime | navValidFullyResolved

type readCloser struct {
	io.Reader
	closed bool
}

func (r *readCloser) Close() error { r.closed = true; return nil }

func TestParseNAVPVT(t *testing.T) {
	ts := time.Date(2025, 1, 15, 12, 30, 45, 0, time.UTC)
	tests := []struct {
		name     string
		payload  []byte
		wantSt   Status
		wantOk   bool
		wantNano int
	}{
		{"locked", navPVT(allValid, navFlagGnssFixOK, ts, 123456789), StatusLocked, true, 123456789},
		{"no fix", navPVT(allValid, 0, ts, 0), StatusUnlocked, true, 0},
		{"not resolved", navPVT(navValidDate|navValidTime, navFlagGnssFixOK, ts, 0), StatusUnlocked, true, 0},
		{"no time", navPVT(navValidDate, navFlagGnssFixOK, ts, 0), StatusUnlocked, true, 0},
		{"short", make([]byte, 50), StatusUnavailable, false, 0},
		{"nano clamp negative", navPVT(allValid, navFlagGnssFixOK, ts, -1), StatusLocked, true, 0},
		{"nano clamp high", navPVT(allValid, navFlagGnssFixOK, ts, 2_000_000_000), StatusLocked, true, 999_999_999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, st, ok := parseNAVPVT(tt.payload)
			if ok != tt.wantOk || st != tt.wantSt {
				t.Fatalf("parseNAVPVT: st=%v ok=%v, want st=%v ok=%v", st, ok, tt.wantSt, tt.wantOk)
			}
			if st == StatusLocked {
				want := ts.Add(time.Duration(tt.wantNano))
				if !got.Equal(want) {
					t.Errorf("got %v want %v", got, want)
				}
			}
		})
	}
}

func TestReadUBXFrame(t *testing.T) {
	frame := ubxFrame(ubxClassNAV, ubxIDNAVPVT, []byte{1, 2, 3})
	bad := ubxFrame(0x06, 0x31, []byte{9})
	bad[len(bad)-1] ^= 0xff

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0xB5, 0x00}) // мусор и ложный sync1
	stream.Write(bad)
	stream.Write(frame)

	r := bufio.NewReader(&stream)
	if _, _, _, err := readUBXFrame(r); err != errUBXChecksum {
		t.Fatalf("ожидалась ошибка checksum, получено %v", err)
	}
	class, id, payload, err := readUBXFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if class != ubxClassNAV || id != ubxIDNAVPVT || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Errorf("кадр %02x/%02x %v", class, id, payload)
	}
	if _, _, _, err := readUBXFrame(r); err != io.EOF {
		t.Errorf("ожидался EOF, получено %v", err)
	}
}

func TestUBX_GetTime(t *testing.T) {
	ts := time.Date(2025, 1, 15, 12, 30, 45, 0, time.UTC)

	t.Run("locked with offset", func(t *testing.T) {
		var stream bytes.Buffer
		stream.Write(ubxFrame(0x0A, 0x04, []byte{0})) // MON-VER: пропускается
		stream.Write(ubxFrame(ubxClassNAV, ubxIDNAVPVT, navPVT(allValid, navFlagGnssFixOK, ts, 0)))
		rc := &readCloser{Reader: &stream}
		u := NewUBX(rc, "ttyACM0", 2000)

		got, st := u.GetTime()
		if st != StatusLocked || !got.Equal(ts.Add(2*time.Microsecond)) {
			t.Fatalf("got %v %v", got, st)
		}
		// поток кончился — последнее время
		if got2, st2 := u.GetTime(); st2 != StatusLocked || !got2.Equal(got) {
			t.Errorf("после EOF: %v %v", got2, st2)
		}
		if u.Name() != "ubx:ttyACM0" || u.Protocol() != "ubx" {
			t.Errorf("name %q protocol %q", u.Name(), u.Protocol())
		}
		if err := u.Close(); err != nil || !rc.closed {
			t.Errorf("Close: %v", err)
		}
	})

	t.Run("no fix", func(t *testing.T) {
		var stream bytes.Buffer
		stream.Write(ubxFrame(ubxClassNAV, ubxIDNAVPVT, navPVT(allValid, 0, ts, 0)))
		u := NewUBX(&readCloser{Reader: &stream}, "x", 0)
		if _, st := u.GetTime(); st != StatusUnlocked {
			t.Errorf("status %v", st)
		}
	})

	t.Run("silent", func(t *testing.T) {
		u := NewUBX(&readCloser{Reader: &bytes.Buffer{}}, "x", 0)
		if _, st := u.GetTime(); st != StatusUnavailable {
			t.Errorf("status %v", st)
		}
	})
}
