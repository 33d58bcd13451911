package servo

// Adjuster — коррекция локальных часов. Знак: положительное смещение значит,
// что локальные часы впереди мастера.
type Adjuster interface {
	// AdjustClock — скачок фазы на offsetNs (часы переводятся на now - offset)
	AdjustClock(offsetNs int64) error
	// AdjustFrequency — коррекция частоты в ppb по знаку смещения
	AdjustFrequency(ppb float64) error
}

// NopAdjuster ничего не делает (тесты, режим без adjust_clock).
type NopAdjuster struct{}

func (NopAdjuster) AdjustClock(int64) error       { return nil }
func (NopAdjuster) AdjustFrequency(float64) error { return nil }
