package bmca

import (
	"fmt"

	"github.com/shiwa/timecard-mini/ptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
	"github.com/shiwa/timecard-mini/ptpsync/internal/telemetry"
)

// Result — результат сравнения двух векторов.
type Result int

const (
	ABetter Result = iota
	BBetter
	Equal
)

func (r Result) String() string {
	switch r {
	case ABetter:
		return "A_better"
	case BBetter:
		return "B_better"
	default:
		return "equal"
	}
}

// Коды событий BMCA
const (
	codeSelectionComplete uint16 = 0x0100
	codeCandidateUpdated  uint16 = 0x0101
	codeForcedTie         uint16 = 0x0102
	codeEmptyList         uint16 = 0x0103
)

// Compare сравнивает векторы лексикографически:
// priority1, clockClass, clockAccuracy, variance, priority2, stepsRemoved, identity.
func Compare(a, b PriorityVector) Result {
	if r, ok := cmp(uint64(a.Priority1), uint64(b.Priority1)); ok {
		return r
	}
	if r, ok := cmp(uint64(a.ClockClass), uint64(b.ClockClass)); ok {
		return r
	}
	if r, ok := cmp(uint64(a.ClockAccuracy), uint64(b.ClockAccuracy)); ok {
		return r
	}
	if r, ok := cmp(uint64(a.Variance), uint64(b.Variance)); ok {
		return r
	}
	if r, ok := cmp(uint64(a.Priority2), uint64(b.Priority2)); ok {
		return r
	}
	if r, ok := cmp(uint64(a.StepsRemoved), uint64(b.StepsRemoved)); ok {
		return r
	}
	if r, ok := cmp(a.GrandmasterIdentity, b.GrandmasterIdentity); ok {
		return r
	}
	return Equal
}

func cmp(a, b uint64) (Result, bool) {
	switch {
	case a < b:
		return ABetter, true
	case a > b:
		return BBetter, true
	}
	return Equal, false
}

// SelectBest возвращает индекс минимального вектора; при равенстве остаётся более ранний.
func SelectBest(list []PriorityVector) (int, error) {
	if len(list) == 0 {
		return 0, fmt.Errorf("select best: %w", ptp.ErrEmptyInput)
	}
	best := 0
	for i := 1; i < len(list); i++ {
		if Compare(list[i], list[best]) == ABetter {
			best = i
		}
	}
	return best, nil
}

// Selection — итог выбора.
type Selection struct {
	Index     int
	ForcedTie bool
}

// Engine — SelectBest с телеметрией, логами и подменяемым источником ничьих.
// Состояния не хранит; безопасен для конкурентного вызова, если безопасны TieSource и Sink.
type Engine struct {
	ties TieSource
	sink telemetry.Sink
	log  *logger.Logger
}

// Option настраивает Engine.
type Option func(*Engine)

// WithTieSource подменяет стратегию ничьих (тесты).
func WithTieSource(t TieSource) Option {
	return func(e *Engine) { e.ties = t }
}

// WithTelemetry задаёт приёмник телеметрии.
func WithTelemetry(s telemetry.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger задаёт логгер.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine создаёт движок с реальным сравнением, без телеметрии и логов.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		ties: RealComparison{},
		sink: telemetry.Discard,
		log:  logger.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SelectBest выбирает лучший вектор. Использованная принудительная ничья считается
// успешной валидацией и попадает в телеметрию вместе с индексом.
func (e *Engine) SelectBest(list []PriorityVector) (Selection, error) {
	if len(list) == 0 {
		e.sink.Increment(telemetry.ValidationsFailed, 1)
		e.log.Warn(codeEmptyList, "select best: empty candidate list")
		return Selection{}, fmt.Errorf("select best: %w", ptp.ErrEmptyInput)
	}
	sel := Selection{}
	for i := 1; i < len(list); i++ {
		var r Result
		if e.ties.ForceTie() {
			r = Equal
			sel.ForcedTie = true
			e.log.Info(codeForcedTie, "forced tie at candidate %d", i)
		} else {
			r = Compare(list[i], list[sel.Index])
		}
		if r == ABetter {
			sel.Index = i
			e.sink.Increment(telemetry.BMCACandidateUpdates, 1)
			e.log.Debug(codeCandidateUpdated, "candidate %d takes the lead", i)
		}
	}
	e.sink.Increment(telemetry.BMCASelections, 1)
	if sel.ForcedTie {
		e.sink.Increment(telemetry.BMCAForcedTies, 1)
		e.sink.Increment(telemetry.ValidationsPassed, 1)
	}
	e.sink.RecordSelection(sel.Index, sel.ForcedTie)
	e.log.Info(codeSelectionComplete, "selected index %d of %d", sel.Index, len(list))
	return sel, nil
}
