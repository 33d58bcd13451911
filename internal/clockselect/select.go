// Package clockselect — выбор опорного источника (primary → secondary) и
// вывод из него качества локальных часов для BMCA.
package clockselect

import (
	"time"

	fb "github.com/facebook/time/ptp/protocol"

	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/source"
)

// Election — выбор активного источника: сначала primary, затем secondary
type Election struct {
	primary   []source.TimeSource
	secondary []source.TimeSource
	active    source.TimeSource
	isPrimary bool
}

// NewElection создаёт выборщик из списков primary и secondary
func NewElection(primary, secondary []source.TimeSource) *Election {
	return &Election{
		primary:   primary,
		secondary: secondary,
	}
}

// Select выбирает первый пригодный источник: сначала primary, при недоступности — secondary
func (e *Election) Select() source.TimeSource {
	for _, s := range e.primary {
		if _, st := s.GetTime(); st.IsUsable() {
			e.active, e.isPrimary = s, true
			return s
		}
	}
	for _, s := range e.secondary {
		if _, st := s.GetTime(); st.IsUsable() {
			e.active, e.isPrimary = s, false
			return s
		}
	}
	e.active, e.isPrimary = nil, false
	return nil
}

// Active возвращает текущий активный источник (после Select)
func (e *Election) Active() source.TimeSource {
	return e.active
}

// GetTimeFromActive возвращает время от активного источника; если активного нет — (zero, false)
func (e *Election) GetTimeFromActive() (time.Time, bool) {
	if e.active == nil {
		e.Select()
	}
	if e.active == nil {
		return time.Time{}, false
	}
	t, st := e.active.GetTime()
	return t, st.IsUsable()
}

// ClockQuality — качество локальных часов по результату последнего Select:
// primary — класс 6 (100 нс), secondary — класс 7 (250 нс), иначе 248/unknown.
func (e *Election) ClockQuality() ptp.ClockQuality {
	q := ptp.ClockQuality{
		ClockClass:              ptp.ClockClassDefault,
		ClockAccuracy:           ptp.ClockAccuracyUnknown,
		OffsetScaledLogVariance: ptp.VarianceUnknown,
	}
	switch {
	case e.active == nil:
	case e.isPrimary:
		q.ClockClass = uint8(fb.ClockClass6)
		q.ClockAccuracy = uint8(fb.ClockAccuracyNanosecond100)
	default:
		q.ClockClass = uint8(fb.ClockClass7)
		q.ClockAccuracy = uint8(fb.ClockAccuracyNanosecond250)
	}
	return q
}
