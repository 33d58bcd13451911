// Package telemetry — счётчики здоровья ядра синхронизации. Запись не блокирует
// вызывающего и не может завершиться ошибкой.
package telemetry

import (
	"math"
	"sync/atomic"
)

// CounterID — идентификатор счётчика.
type CounterID int

const (
	ValidationsPassed CounterID = iota
	ValidationsFailed
	BMCASelections
	BMCACandidateUpdates
	BMCAForcedTies
	BMCALocalWins
	BMCAForeignWins
	BMCAPassiveWins
	OffsetsComputed
	ServoAdjustments
	numCounters
)

var counterNames = [numCounters]string{
	ValidationsPassed:    "validations_passed",
	ValidationsFailed:    "validations_failed",
	BMCASelections:       "bmca_selections",
	BMCACandidateUpdates: "bmca_candidate_updates",
	BMCAForcedTies:       "bmca_forced_ties",
	BMCALocalWins:        "bmca_local_wins",
	BMCAForeignWins:      "bmca_foreign_wins",
	BMCAPassiveWins:      "bmca_passive_wins",
	OffsetsComputed:      "offsets_computed",
	ServoAdjustments:     "servo_adjustments",
}

func (c CounterID) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Sink — приёмник телеметрии (fire-and-forget).
type Sink interface {
	Increment(id CounterID, n uint64)
	RecordOffset(ns int64)
	RecordSelection(index int, forcedTie bool)
	Emit()
}

// Discard — Sink по умолчанию, ничего не делает.
var Discard Sink = discard{}

type discard struct{}

func (discard) Increment(CounterID, uint64) {}
func (discard) RecordOffset(int64)          {}
func (discard) RecordSelection(int, bool)   {}
func (discard) Emit()                       {}

// Snapshot — согласованная копия счётчиков.
type Snapshot struct {
	Counters           [numCounters]uint64
	LastOffsetNs       int64
	LastBMCAIndex      int
	ForcedTieLast      bool
	HeartbeatCount     uint64
	LikelySynchronized bool
}

// Get возвращает значение счётчика.
func (s Snapshot) Get(id CounterID) uint64 {
	if id < 0 || id >= numCounters {
		return 0
	}
	return s.Counters[id]
}

// Registry — реализация Sink на атомарных счётчиках.
type Registry struct {
	counters      [numCounters]atomic.Uint64
	lastOffset    atomic.Int64
	lastIndex     atomic.Int64
	forcedTieLast atomic.Bool
	heartbeats    atomic.Uint64
	observer      atomic.Pointer[func(Snapshot)]
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	r := &Registry{}
	r.lastIndex.Store(-1)
	return r
}

func (r *Registry) Increment(id CounterID, n uint64) {
	if id < 0 || id >= numCounters {
		return
	}
	r.counters[id].Add(n)
}

func (r *Registry) RecordOffset(ns int64) {
	r.lastOffset.Store(ns)
}

func (r *Registry) RecordSelection(index int, forcedTie bool) {
	r.lastIndex.Store(int64(index))
	r.forcedTieLast.Store(forcedTie)
}

// Emit — heartbeat: передаёт снимок наблюдателю, если он задан.
func (r *Registry) Emit() {
	r.heartbeats.Add(1)
	if fn := r.observer.Load(); fn != nil {
		(*fn)(r.Snapshot())
	}
}

// SetObserver задаёт функцию, вызываемую на Emit. nil отключает.
func (r *Registry) SetObserver(fn func(Snapshot)) {
	if fn == nil {
		r.observer.Store(nil)
		return
	}
	r.observer.Store(&fn)
}

// Snapshot возвращает копию счётчиков.
func (r *Registry) Snapshot() Snapshot {
	var s Snapshot
	for i := range r.counters {
		s.Counters[i] = r.counters[i].Load()
	}
	s.LastOffsetNs = r.lastOffset.Load()
	s.LastBMCAIndex = int(r.lastIndex.Load())
	s.ForcedTieLast = r.forcedTieLast.Load()
	s.HeartbeatCount = r.heartbeats.Load()
	s.LikelySynchronized = s.Counters[OffsetsComputed] > 0 && s.Counters[ValidationsFailed] == 0
	return s
}

// Reset обнуляет все счётчики.
func (r *Registry) Reset() {
	for i := range r.counters {
		r.counters[i].Store(0)
	}
	r.lastOffset.Store(0)
	r.lastIndex.Store(-1)
	r.forcedTieLast.Store(false)
	r.heartbeats.Store(0)
}

// AbsOffset — |last offset| в нс, удобно для порогов.
func (s Snapshot) AbsOffset() float64 {
	return math.Abs(float64(s.LastOffsetNs))
}
