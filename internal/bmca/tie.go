package bmca

import "sync/atomic"

// TieSource решает, заменить ли очередное сравнение принудительной ничьей.
type TieSource interface {
	ForceTie() bool
}

// RealComparison — стратегия по умолчанию: всегда реальное сравнение.
type RealComparison struct{}

func (RealComparison) ForceTie() bool { return false }

// ForcedTies расходует по одному жетону на сравнение, пока они есть.
type ForcedTies struct {
	tokens atomic.Int64
}

// NewForcedTies создаёт источник с n жетонами.
func NewForcedTies(n int) *ForcedTies {
	f := &ForcedTies{}
	f.tokens.Store(int64(n))
	return f
}

func (f *ForcedTies) ForceTie() bool {
	for {
		n := f.tokens.Load()
		if n <= 0 {
			return false
		}
		if f.tokens.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Remaining — сколько жетонов осталось.
func (f *ForcedTies) Remaining() int {
	return int(f.tokens.Load())
}
