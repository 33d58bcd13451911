// Package bmca — Best Master Clock Algorithm: сравнение векторов приоритета,
// выбор лучшего кандидата и координатор, переводящий результат в роль порта.
package bmca

import "github.com/shiwa/timecard-mini/ptpsync/internal/ptp"

// PriorityVector — вектор приоритета кандидата. Меньшее значение лучше.
type PriorityVector struct {
	Priority1           uint8
	ClockClass          uint8
	ClockAccuracy       uint16
	Variance            uint16
	Priority2           uint8
	GrandmasterIdentity uint64
	StepsRemoved        uint16
}

// FromAnnounce строит вектор из Announce.
func FromAnnounce(a *ptp.Announce) PriorityVector {
	return PriorityVector{
		Priority1:           a.GrandmasterPriority1,
		ClockClass:          a.GrandmasterClockQuality.ClockClass,
		ClockAccuracy:       uint16(a.GrandmasterClockQuality.ClockAccuracy),
		Variance:            a.GrandmasterClockQuality.OffsetScaledLogVariance,
		Priority2:           a.GrandmasterPriority2,
		GrandmasterIdentity: uint64(a.GrandmasterIdentity),
		StepsRemoved:        a.StepsRemoved,
	}
}

// DefaultDataSet — собственные параметры часов (defaultDS).
type DefaultDataSet struct {
	ClockIdentity ptp.ClockIdentity
	Priority1     uint8
	Priority2     uint8
	ClockQuality  ptp.ClockQuality
	Domain        uint8
	TimeSource    uint8
}

// DefaultLocal возвращает defaultDS часов без внешней привязки.
func DefaultLocal(id ptp.ClockIdentity) DefaultDataSet {
	return DefaultDataSet{
		ClockIdentity: id,
		Priority1:     128,
		Priority2:     128,
		ClockQuality: ptp.ClockQuality{
			ClockClass:              ptp.ClockClassDefault,
			ClockAccuracy:           ptp.ClockAccuracyUnknown,
			OffsetScaledLogVariance: ptp.VarianceUnknown,
		},
		TimeSource: ptp.TimeSourceInternal,
	}
}

// Vector — вектор локальных часов как гроссмейстера (stepsRemoved = 0).
func (d DefaultDataSet) Vector() PriorityVector {
	return PriorityVector{
		Priority1:           d.Priority1,
		ClockClass:          d.ClockQuality.ClockClass,
		ClockAccuracy:       uint16(d.ClockQuality.ClockAccuracy),
		Variance:            d.ClockQuality.OffsetScaledLogVariance,
		Priority2:           d.Priority2,
		GrandmasterIdentity: uint64(d.ClockIdentity),
	}
}
