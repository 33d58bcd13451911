// Package ptp — общая модель данных IEEE 1588: временные метки, идентификаторы,
// качество часов и сообщения, которыми обмениваются порты.
package ptp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// VersionPTP — поддерживаемая major-версия протокола
	VersionPTP uint8 = 2
	// VersionMask выделяет major-версию из поля versionPTP
	VersionMask uint8 = 0x0f
	// MaxMessageLength — верхняя граница длины сообщения (MTU Ethernet)
	MaxMessageLength = 1500
)

const nsPerSecond = 1_000_000_000

// Timestamp — метка PTP: 48-битные секунды и наносекунды [0, 1e9).
type Timestamp struct {
	Seconds     uint64
	Nanoseconds uint32
}

// NewTimestamp переводит time.Time в Timestamp (время до эпохи даёт нулевую метку).
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() || t.Unix() < 0 {
		return Timestamp{}
	}
	return Timestamp{Seconds: uint64(t.Unix()), Nanoseconds: uint32(t.Nanosecond())}
}

// TimestampFromNanoseconds строит метку из наносекунд с эпохи PTP.
func TimestampFromNanoseconds(ns int64) Timestamp {
	if ns < 0 {
		return Timestamp{}
	}
	return Timestamp{Seconds: uint64(ns / nsPerSecond), Nanoseconds: uint32(ns % nsPerSecond)}
}

// Time возвращает метку как time.Time в UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t.Seconds), int64(t.Nanoseconds)).UTC()
}

// TotalNanoseconds — полное число наносекунд с эпохи.
func (t Timestamp) TotalNanoseconds() int64 {
	return int64(t.Seconds)*nsPerSecond + int64(t.Nanoseconds)
}

// Sub возвращает t-u в наносекундах.
func (t Timestamp) Sub(u Timestamp) int64 {
	return (int64(t.Seconds)-int64(u.Seconds))*nsPerSecond + (int64(t.Nanoseconds) - int64(u.Nanoseconds))
}

// Add сдвигает метку на ns наносекунд.
func (t Timestamp) Add(ns int64) Timestamp {
	return TimestampFromNanoseconds(t.TotalNanoseconds() + ns)
}

// Before сообщает, что t раньше u.
func (t Timestamp) Before(u Timestamp) bool {
	if t.Seconds != u.Seconds {
		return t.Seconds < u.Seconds
	}
	return t.Nanoseconds < u.Nanoseconds
}

// IsZero — метка не задана.
func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Nanoseconds == 0
}

// Valid проверяет диапазон наносекунд и 48-битные секунды.
func (t Timestamp) Valid() bool {
	return t.Nanoseconds < nsPerSecond && t.Seconds < 1<<48
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanoseconds)
}

// ClockIdentity — 64-битный идентификатор часов (EUI-64).
type ClockIdentity uint64

// String форматирует идентификатор как в linuxptp: 001122.fffe.334455
func (c ClockIdentity) String() string {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(c >> (56 - 8*i))
	}
	return fmt.Sprintf("%02x%02x%02x.%02x%02x.%02x%02x%02x", b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}

// ParseClockIdentity принимает "0x001122fffe334455", "001122fffe334455" или "001122.fffe.334455".
func ParseClockIdentity(s string) (ClockIdentity, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ":", "")
	if len(s) == 0 || len(s) > 16 {
		return 0, fmt.Errorf("clock identity %q: %w", s, ErrConfigInvalid)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("clock identity %q: %w", s, ErrConfigInvalid)
	}
	return ClockIdentity(v), nil
}

// PortIdentity — идентификатор порта.
type PortIdentity struct {
	ClockIdentity ClockIdentity
	PortNumber    uint16
}

func (p PortIdentity) String() string {
	return fmt.Sprintf("%s-%d", p.ClockIdentity, p.PortNumber)
}

// ClockQuality — качество часов гроссмейстера.
type ClockQuality struct {
	ClockClass              uint8
	ClockAccuracy           uint8
	OffsetScaledLogVariance uint16
}

// Значения по умолчанию для часов без внешней привязки (slave-only / freerun).
const (
	ClockClassDefault    uint8  = 248
	ClockAccuracyUnknown uint8  = 0xFE
	VarianceUnknown      uint16 = 0xFFFF
	TimeSourceInternal   uint8  = 0xA0
)

// LogIntervalNs возвращает 2^log секунд в наносекундах.
func LogIntervalNs(log int8) int64 {
	if log >= 0 {
		return nsPerSecond << uint(log)
	}
	return nsPerSecond >> uint(-log)
}
