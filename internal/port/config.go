package port

import (
	"fmt"
	"strings"

	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

// DelayMechanism — механизм измерения задержки пути.
type DelayMechanism uint8

const (
	DelayE2E DelayMechanism = iota
	DelayP2P
)

func (d DelayMechanism) String() string {
	if d == DelayP2P {
		return "P2P"
	}
	return "E2E"
}

// ParseDelayMechanism разбирает "e2e"/"p2p" (пусто — E2E).
func ParseDelayMechanism(s string) (DelayMechanism, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "e2e":
		return DelayE2E, nil
	case "p2p":
		return DelayP2P, nil
	default:
		return DelayE2E, fmt.Errorf("delay mechanism %q: %w", s, ptp.ErrConfigInvalid)
	}
}

// Config — параметры порта. Интервалы заданы как log2 секунд.
type Config struct {
	PortNumber             uint16
	Domain                 uint8
	LogAnnounceInterval    int8
	LogSyncInterval        int8
	LogDelayReqInterval    int8
	AnnounceReceiptTimeout uint8
	DelayMechanism         DelayMechanism
	// CalibrationSamples — сколько измерений подряд нужно для UNCALIBRATED → SLAVE
	CalibrationSamples uint32
	TwoStep            bool
}

// DefaultConfig возвращает профиль по умолчанию IEEE 1588 для порта n.
func DefaultConfig(n uint16) Config {
	return Config{
		PortNumber:             n,
		LogAnnounceInterval:    1,
		LogSyncInterval:        0,
		LogDelayReqInterval:    0,
		AnnounceReceiptTimeout: 3,
		DelayMechanism:         DelayE2E,
		CalibrationSamples:     3,
		TwoStep:                true,
	}
}

const (
	minLogInterval = -7
	maxLogInterval = 4
)

// Validate проверяет конфигурацию целиком.
func (c Config) Validate() error {
	if c.PortNumber == 0 {
		return fmt.Errorf("port number 0: %w", ptp.ErrConfigInvalid)
	}
	if c.AnnounceReceiptTimeout < 2 {
		return fmt.Errorf("port %d: announce receipt timeout %d < 2: %w", c.PortNumber, c.AnnounceReceiptTimeout, ptp.ErrConfigInvalid)
	}
	intervals := []struct {
		name string
		v    int8
	}{
		{"announce", c.LogAnnounceInterval},
		{"sync", c.LogSyncInterval},
		{"delay_req", c.LogDelayReqInterval},
	}
	for _, iv := range intervals {
		if iv.v < minLogInterval || iv.v > maxLogInterval {
			return fmt.Errorf("port %d: log %s interval %d out of range: %w", c.PortNumber, iv.name, iv.v, ptp.ErrConfigInvalid)
		}
	}
	if c.DelayMechanism > DelayP2P {
		return fmt.Errorf("port %d: delay mechanism %d: %w", c.PortNumber, c.DelayMechanism, ptp.ErrConfigInvalid)
	}
	return nil
}

// AnnounceTimeoutNs — окно приёма Announce: timeout × 2^logAnnounceInterval.
func (c Config) AnnounceTimeoutNs() int64 {
	return int64(c.AnnounceReceiptTimeout) * ptp.LogIntervalNs(c.LogAnnounceInterval)
}
