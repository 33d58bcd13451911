package port

import (
	"fmt"
	"strings"

	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

// Profile — профиль PTP, задающий механизм задержки, интервалы и домены.
type Profile uint8

const (
	// ProfileCustom — без ограничений профиля; параметры задаются по портам.
	ProfileCustom Profile = iota
	// ProfileDefault — профиль по умолчанию IEEE 1588 (Annex I), E2E.
	ProfileDefault
	// ProfilePower — IEC/IEEE 61850-9-3, P2P, домен 0.
	ProfilePower
	// ProfileGPTP — IEEE 802.1AS, P2P, домен 0.
	ProfileGPTP
)

func (p Profile) String() string {
	switch p {
	case ProfilePower:
		return "power"
	case ProfileGPTP:
		return "gptp"
	case ProfileDefault:
		return "default"
	default:
		return "custom"
	}
}

// ParseProfile разбирает имя профиля (пусто — custom).
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "custom":
		return ProfileCustom, nil
	case "default":
		return ProfileDefault, nil
	case "power":
		return ProfilePower, nil
	case "gptp", "802.1as":
		return ProfileGPTP, nil
	default:
		return ProfileCustom, fmt.Errorf("profile %q: %w", s, ptp.ErrConfigInvalid)
	}
}

// ProfileConfig — DefaultConfig порта n с параметрами профиля.
func ProfileConfig(p Profile, n uint16) Config {
	c := DefaultConfig(n)
	switch p {
	case ProfilePower:
		c.DelayMechanism = DelayP2P
		c.LogSyncInterval = -4
	case ProfileGPTP:
		c.DelayMechanism = DelayP2P
		c.LogAnnounceInterval = 0
		c.LogSyncInterval = -3
	}
	return c
}

const maxProfileDomain = 127

// CheckProfile проверяет ограничения профиля поверх Validate.
func (c Config) CheckProfile(p Profile) error {
	switch p {
	case ProfileCustom:
		return nil
	case ProfileDefault:
		if c.DelayMechanism != DelayE2E {
			return fmt.Errorf("port %d: profile %s requires E2E: %w", c.PortNumber, p, ptp.ErrConfigInvalid)
		}
		if c.Domain > maxProfileDomain {
			return fmt.Errorf("port %d: domain %d > %d: %w", c.PortNumber, c.Domain, maxProfileDomain, ptp.ErrConfigInvalid)
		}
	case ProfilePower, ProfileGPTP:
		if c.DelayMechanism != DelayP2P {
			return fmt.Errorf("port %d: profile %s requires P2P: %w", c.PortNumber, p, ptp.ErrConfigInvalid)
		}
		if c.Domain != 0 {
			return fmt.Errorf("port %d: profile %s requires domain 0, got %d: %w", c.PortNumber, p, c.Domain, ptp.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("profile %d: %w", p, ptp.ErrConfigInvalid)
	}
	if c.LogAnnounceInterval < -3 {
		return fmt.Errorf("port %d: log announce interval %d < -3: %w", c.PortNumber, c.LogAnnounceInterval, ptp.ErrConfigInvalid)
	}
	return nil
}
