// Package source — опорные источники времени для выбора качества часов:
// NMEA RMC и UBX NAV-PVT с последовательного порта, аппаратные часы PHC.
package source

import "time"

// TimeSource — опорный источник времени.
type TimeSource interface {
	// Name возвращает имя источника для логов
	Name() string
	// Protocol возвращает протокол: nmea, ubx, phc
	Protocol() string
	// GetTime возвращает текущее время по источнику и статус
	GetTime() (time.Time, Status)
	// Close освобождает ресурсы
	Close() error
}

// Status — состояние источника.
type Status int

const (
	StatusUnavailable Status = iota
	StatusUnlocked           // есть данные, но без фиксации (RMC status V)
	StatusLocked             // источник пригоден для синхронизации
)

func (s Status) String() string {
	switch s {
	case StatusUnavailable:
		return "unavailable"
	case StatusUnlocked:
		return "unlocked"
	case StatusLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// IsUsable возвращает true, если источник можно использовать как опору
func (s Status) IsUsable() bool {
	return s == StatusLocked
}
