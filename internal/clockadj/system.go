// Package clockadj — коррекция системных часов (CLOCK_REALTIME).
package clockadj

import (
	"fmt"
	"time"
)

// System корректирует системные часы по командам серво.
// Знак смещения: положительное значит, что локальные часы впереди мастера.
type System struct {
	// Now подменяется в тестах
	Now func() time.Time

	step    func(time.Time) error
	setFreq func(float64) error
}

// NewSystem возвращает корректор системных часов.
func NewSystem() *System {
	return &System{Now: time.Now, step: Step, setFreq: SetFrequency}
}

// AdjustClock переводит часы на now - offset.
func (s *System) AdjustClock(offsetNs int64) error {
	target := s.Now().Add(-time.Duration(offsetNs))
	if err := s.step(target); err != nil {
		return fmt.Errorf("clock_settime: %w", err)
	}
	return nil
}

// AdjustFrequency применяет коррекцию ppb. Часы впереди (ppb > 0) надо
// замедлить, поэтому в ядро уходит -ppb.
func (s *System) AdjustFrequency(ppb float64) error {
	if err := s.setFreq(-ppb / 1000); err != nil {
		return fmt.Errorf("adjtimex: %w", err)
	}
	return nil
}
