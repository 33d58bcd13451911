// Package offset — оценка смещения и задержки по четырём меткам времени
// и скользящая статистика качества синхронизации.
package offset

import (
	"fmt"

	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

// SampleContext — метки одного обмена Sync/Delay_Req, заполняются по мере прихода сообщений.
//
//	T1 — отправка Sync мастером, T2 — приём Sync,
//	T3 — отправка Delay_Req, T4 — приём Delay_Req мастером.
type SampleContext struct {
	SyncSequenceID     uint16
	DelayReqSequenceID uint16
	DelayReqPending    bool
	CorrectionNs       int64
	T1, T2, T3, T4     ptp.Timestamp
	Created            ptp.Timestamp
}

// Complete — все четыре метки получены.
func (s *SampleContext) Complete() bool {
	return !s.T1.IsZero() && !s.T2.IsZero() && !s.T3.IsZero() && !s.T4.IsZero()
}

// Measurement — результат расчёта.
type Measurement struct {
	OffsetNs       float64
	DelayNs        float64
	OrderViolation bool
	NegativeDelay  bool
}

// Calculate считает:
//
//	meanPathDelay = ((T2−T1)+(T4−T3))/2
//	offset        = ((T2−T1)−(T4−T3))/2
//
// Нарушение порядка (T2<T1 или T4<T3) и отрицательная задержка помечаются, но не отбрасываются здесь.
func Calculate(s *SampleContext) (Measurement, error) {
	if !s.Complete() {
		return Measurement{}, fmt.Errorf("offset: incomplete timestamp set for seq %d: %w", s.SyncSequenceID, ptp.ErrInvalidMessage)
	}
	ms := s.T2.Sub(s.T1) - s.CorrectionNs
	sm := s.T4.Sub(s.T3)
	m := Measurement{
		DelayNs:  float64(ms+sm) / 2,
		OffsetNs: float64(ms-sm) / 2,
	}
	m.OrderViolation = s.T2.Before(s.T1) || s.T4.Before(s.T3)
	m.NegativeDelay = m.DelayNs < 0
	return m, nil
}
